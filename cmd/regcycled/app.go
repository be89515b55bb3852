package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/regcycle/internal/audit"
	"github.com/fyrsmithlabs/regcycle/internal/config"
	"github.com/fyrsmithlabs/regcycle/internal/humangate"
	"github.com/fyrsmithlabs/regcycle/internal/logging"
	"github.com/fyrsmithlabs/regcycle/internal/orchestrator"
	"github.com/fyrsmithlabs/regcycle/internal/resilience"
	"github.com/fyrsmithlabs/regcycle/internal/services"
	"github.com/fyrsmithlabs/regcycle/internal/store"
	"github.com/fyrsmithlabs/regcycle/internal/telemetry"
	"github.com/fyrsmithlabs/regcycle/internal/toolexec"
)

// auditBusService names the NATS audit fan-out in system health.
const auditBusService = "audit-bus"

// app holds the wired engine and the resources it owns.
type app struct {
	engine      *services.Engine
	orch        *orchestrator.Orchestrator
	degradation *resilience.DegradationManager
	auditLog    *audit.MemorySink
	natsConn    *nats.Conn
	mcpBackend  *toolexec.MCPBackend
	logger      *zap.Logger
}

// Close releases all infrastructure resources.
func (a *app) Close() {
	if a.mcpBackend != nil {
		if err := a.mcpBackend.Close(); err != nil {
			a.logger.Warn("closing mcp backend", zap.Error(err))
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
	}
}

// newLogger builds the daemon logger from the logging section.
func newLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	logCfg.Level = level
	logCfg.Format = strings.ToLower(cfg.Logging.Format)
	logCfg.Fields["service"] = cfg.Observability.ServiceName

	provider := tel.LoggerProvider()
	logCfg.Output.OTEL = tel.IsEnabled() && provider != nil
	if !logCfg.Output.OTEL {
		provider = nil
	}
	return logging.NewLogger(logCfg, provider)
}

// buildApp wires the store, audit sinks, gateway, gate, orchestrator and
// engine from configuration.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		degradation: resilience.NewDegradationManager(logger),
		auditLog:    audit.NewMemorySink(),
		logger:      logger,
	}

	sinks := audit.MultiSink{a.auditLog}
	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		a.natsConn = nc
		natsSink, err := audit.NewNATSSink(nc, cfg.NATS.SubjectPrefix)
		if err != nil {
			nc.Close()
			return nil, err
		}
		sinks = append(sinks, natsSink)
		a.degradation.RegisterStrategy(resilience.DegradationStrategy{
			ServiceName:      auditBusService,
			Priority:         200,
			UnavailableLevel: resilience.LevelPartial,
			Notification:     "audit episodes are kept locally until NATS reconnects",
			Check: func(ctx context.Context) error {
				if !nc.IsConnected() {
					return fmt.Errorf("nats status %s", nc.Status())
				}
				return nil
			},
		})
	}
	recorder := audit.NewRecorder(sinks, logger)

	var backend toolexec.Backend = toolexec.NewLocalBackend()
	if cfg.Executor.MCPEndpoint != "" {
		mb, err := toolexec.NewMCPBackend(cfg.Executor.MCPEndpoint, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mcpBackend = mb
		backend = mb
	}
	gateway, err := toolexec.NewGateway(backend, gatewayConfig(cfg), logger,
		toolexec.WithDegradation(a.degradation))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating tool gateway: %w", err)
	}

	st := store.NewMemory()
	catalog, err := humangate.DefaultCatalog()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading action catalog: %w", err)
	}
	gate, err := humangate.NewService(gateConfig(cfg), catalog, st, gateway, logger,
		humangate.WithRecorder(recorder))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating human gate: %w", err)
	}

	orch, err := orchestrator.New(orchestratorConfig(cfg), st, logger,
		orchestrator.WithActionGate(gate),
		orchestrator.WithRecorder(recorder))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	for _, agent := range cfg.Executor.Agents {
		orch.RegisterHandler(orchestrator.NewAgentHandler(agent, "", gateway))
	}
	a.orch = orch

	a.engine, err = services.NewEngine(services.Options{
		Orchestrator: orch,
		Gate:         gate,
		Degradation:  a.degradation,
		Logger:       logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	// Prime service levels so /health is accurate from the first request.
	a.degradation.CheckServices(ctx)
	return a, nil
}

func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("regcycled"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL), zap.String("subject_prefix", cfg.SubjectPrefix))
	return nc, nil
}

func retryConfig(cfg *config.Config) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = cfg.Retry.MaxAttempts
	rc.BaseDelay = cfg.Retry.BaseDelay.Duration()
	rc.MaxDelay = cfg.Retry.MaxDelay.Duration()
	rc.Multiplier = cfg.Retry.Multiplier
	rc.Jitter = cfg.Retry.Jitter
	return rc
}

func gatewayConfig(cfg *config.Config) toolexec.Config {
	gc := toolexec.DefaultConfig()
	gc.Timeout = cfg.Executor.Timeout.Duration()
	gc.RateLimit = cfg.Executor.RateLimit
	gc.Burst = cfg.Executor.Burst
	gc.Retry = retryConfig(cfg)
	gc.RecheckInterval = cfg.Executor.RecheckInterval.Duration()
	return gc
}

func gateConfig(cfg *config.Config) humangate.Config {
	return humangate.Config{
		Timeout:            cfg.Gate.Timeout.Duration(),
		MinRationaleLength: cfg.Gate.MinRationaleLength,
		RequireSignature:   cfg.Gate.RequireSignature,
		EnforceRoles:       cfg.Gate.EnforceRoles,
		AuditEnabled:       cfg.Gate.AuditEnabled,
	}
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		TaskDue:            cfg.Orchestrator.TaskDue.Duration(),
		MaxEscalationLevel: cfg.Orchestrator.MaxEscalationLevel,
		StepRetry:          retryConfig(cfg),
	}
}
