// Package http provides the HTTP API of regcycled.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/logging"
	"github.com/fyrsmithlabs/regcycle/internal/services"
)

// Identity headers set by the caller (or the gateway in front of regcycled).
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Server provides HTTP endpoints for regcycled.
type Server struct {
	echo   *echo.Echo
	engine *services.Engine
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// AllowClockOverride lets POST /api/v1/escalations sweep at a
	// caller-supplied time. Off in production.
	AllowClockOverride bool
}

// NewServer creates a new HTTP server.
func NewServer(engine *services.Engine, logger *zap.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			}
			fields = append(fields, logging.ContextFields(c.Request().Context())...)
			logger.Info("http request", fields...)

			return err
		}
	})

	s := &Server{
		echo:   e,
		engine: engine,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", identity)

	v1.POST("/cycles", s.handleStartCycle)
	v1.GET("/cycles", s.handleListCycles)
	v1.GET("/cycles/:id", s.handleGetCycle)
	v1.POST("/cycles/:id/steps/:step/advance", s.handleAdvanceStep)
	v1.POST("/cycles/:id/phase", s.handleAdvancePhase)
	v1.POST("/cycles/:id/attestation", s.handleRequestAttestation)
	v1.POST("/cycles/:id/checkpoints/:checkpoint/approve", s.handleApproveCheckpoint)
	v1.GET("/cycles/:id/violations", s.handleViolations)
	v1.POST("/cycles/:id/complete", s.handleCompleteCycle)

	v1.GET("/approvals", s.handlePendingApprovals)
	v1.POST("/decisions", s.handleDecision)
	v1.POST("/actions/:id/retry", s.handleRetryAction)
	v1.POST("/actions/:id/cancel", s.handleCancelAction)
	v1.POST("/escalations", s.handleEscalate)
}

// identity moves the caller identity headers into the request context. The
// tenant header is required on every API route.
func identity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		tenantID := strings.TrimSpace(req.Header.Get(HeaderTenantID))
		if err := logging.ValidateID(tenantID, "tenant id"); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ctx := logging.WithTenantID(req.Context(), tenantID)

		if userID := strings.TrimSpace(req.Header.Get(HeaderUserID)); userID != "" {
			if err := logging.ValidateID(userID, "user id"); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			ctx = logging.WithUserID(ctx, userID)
		}
		if role := strings.TrimSpace(req.Header.Get(HeaderUserRole)); role != "" {
			if err := logging.ValidateRole(role); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			ctx = logging.WithRole(ctx, role)
		}
		if rid := c.Response().Header().Get(echo.HeaderXRequestID); logging.ValidateID(rid, "request id") == nil {
			ctx = logging.WithCorrelationID(ctx, rid)
		}

		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func tenantOf(c echo.Context) string {
	return logging.TenantIDFromContext(c.Request().Context())
}

func userOf(c echo.Context) string {
	return logging.UserIDFromContext(c.Request().Context())
}

func roleOf(c echo.Context) string {
	return logging.RoleFromContext(c.Request().Context())
}

// Handler returns the router, for serving through another listener.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
