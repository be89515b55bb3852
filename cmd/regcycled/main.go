// Regcycled is the regulatory reporting cycle daemon.
//
// It serves the cycle, approval and decision API over HTTP, optionally runs
// the Temporal escalation sweep worker, and can expose the engine to agents
// as an MCP server on stdio.
//
// Configuration is loaded from ~/.config/regcycle/config.yaml (or --config)
// and REGCYCLE_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	regcycled
//
//	# Serve MCP on stdio alongside the HTTP API
//	regcycled --mcp-stdio
//
//	# Configure via environment
//	REGCYCLE_SERVER_HTTP_PORT=8080 REGCYCLE_NATS_URL=nats://localhost:4222 regcycled
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/config"
	httpserver "github.com/fyrsmithlabs/regcycle/internal/http"
	"github.com/fyrsmithlabs/regcycle/internal/mcp"
	"github.com/fyrsmithlabs/regcycle/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type options struct {
	configPath string
	mcpStdio   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to config file (default ~/.config/regcycle/config.yaml)")
	flag.BoolVar(&opts.mcpStdio, "mcp-stdio", false, "serve MCP tools on stdin/stdout")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  regcycled           Start the regcycle daemon\n")
			fmt.Fprintf(os.Stderr, "  regcycled version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("regcycled by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Load and validate configuration
//  2. Initialize telemetry and the logger
//  3. Build the engine (store, audit sinks, gateway, gate, orchestrator)
//  4. Start the escalation sweep worker when Temporal is configured
//  5. Start the HTTP server and, with --mcp-stdio, the MCP server
//  6. Shut everything down on cancellation
func run(ctx context.Context, opts options) error {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	baseLogger, err := newLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = baseLogger.Sync() }()
	logger := baseLogger.Underlying()

	logger.Info("starting regcycled",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
		zap.Bool("telemetry", tel.IsEnabled()))
	for _, reason := range tel.Degraded() {
		logger.Warn("telemetry degraded", zap.String("reason", reason))
	}

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	defer app.Close()

	logger.Info("engine initialized",
		zap.Bool("nats_audit", app.natsConn != nil),
		zap.Bool("mcp_tools", cfg.Executor.MCPEndpoint != ""),
		zap.Strings("agents", cfg.Executor.Agents))

	errCh := make(chan error, 3)

	if cfg.Temporal.HostPort != "" {
		stopWorker, err := startSweepWorker(ctx, cfg, app, logger)
		if err != nil {
			return fmt.Errorf("starting sweep worker: %w", err)
		}
		defer stopWorker()
	}

	srv, err := httpserver.NewServer(app.engine, logger, &httpserver.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		AllowClockOverride: cfg.Server.AllowClockOverride,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if opts.mcpStdio {
		mcpServer, err := mcp.NewServer(&mcp.Config{
			Name:    "regcycled",
			Version: version,
			Logger:  logger,
		}, app.engine)
		if err != nil {
			return fmt.Errorf("creating mcp server: %w", err)
		}
		go func() {
			if err := mcpServer.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("mcp server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("component failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	logger.Info("regcycled stopped")
	return runErr
}
