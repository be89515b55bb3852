package toolexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
	"github.com/fyrsmithlabs/regcycle/internal/resilience"
)

const instrumentationName = "github.com/fyrsmithlabs/regcycle/internal/toolexec"

// ServiceName is the name the gateway registers with the degradation manager.
const ServiceName = "tool-executor"

// Executor runs tools for approved actions. A failed tool run returns a
// non-nil outcome with Success=false alongside the error.
type Executor interface {
	Execute(ctx context.Context, req Request) (*domain.ToolOutcome, error)
}

// Config configures the gateway.
type Config struct {
	// Timeout bounds each attempt. Zero disables the per-attempt timeout.
	Timeout time.Duration

	// RateLimit is the sustained calls per second. Zero disables limiting.
	RateLimit float64

	// Burst is the limiter burst size. Default: 1 when RateLimit is set.
	Burst int

	// Retry configures retries of transient failures.
	Retry resilience.RetryConfig

	// LogSize bounds the in-memory execution log. Default: 1000.
	LogSize int

	// RecheckInterval is how long the primary backend stays bypassed after a
	// failure before a call checks it again. Default: 30s.
	RecheckInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Retry:   resilience.DefaultRetryConfig(),
		LogSize: 1000,

		RecheckInterval: 30 * time.Second,
	}
}

// Gateway is the Executor used by the human gate service.
type Gateway struct {
	backend     Backend
	fallback    Backend
	cfg         Config
	limiter     *rate.Limiter
	degradation *resilience.DegradationManager
	retryOpts   []resilience.Option
	tracer      trace.Tracer
	logger      *zap.Logger
	now         func() time.Time

	mu  sync.Mutex
	log []ExecutionRecord
}

var _ Executor = (*Gateway)(nil)

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithFallback sets the backend used while the primary is unavailable.
func WithFallback(b Backend) GatewayOption {
	return func(g *Gateway) { g.fallback = b }
}

// WithDegradation routes calls through the degradation manager.
func WithDegradation(m *resilience.DegradationManager) GatewayOption {
	return func(g *Gateway) { g.degradation = m }
}

// WithRetryOptions passes options to every retry run, e.g. a test sleeper.
func WithRetryOptions(opts ...resilience.Option) GatewayOption {
	return func(g *Gateway) { g.retryOpts = append(g.retryOpts, opts...) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a gateway in front of backend.
func NewGateway(backend Backend, cfg Config, logger *zap.Logger, opts ...GatewayOption) (*Gateway, error) {
	if backend == nil {
		return nil, fmt.Errorf("tool backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Retry.ApplyDefaults()
	if cfg.LogSize <= 0 {
		cfg.LogSize = 1000
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 30 * time.Second
	}

	g := &Gateway{
		backend: backend,
		cfg:     cfg,
		tracer:  otel.Tracer(instrumentationName),
		logger:  logger,
		now:     time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	g.retryOpts = append([]resilience.Option{resilience.WithLogger(logger, "tool_execution")}, g.retryOpts...)
	if g.degradation != nil {
		g.degradation.RegisterStrategy(resilience.DegradationStrategy{
			ServiceName:      ServiceName,
			Priority:         100,
			Check:            g.checkPrimary,
			UnavailableLevel: g.unavailableLevel(),
		})
	}
	return g, nil
}

// checkPrimary pings the primary backend when it supports it. Backends
// without a health check are assumed reachable.
func (g *Gateway) checkPrimary(ctx context.Context) error {
	if hc, ok := g.backend.(HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// recheck restores the primary backend once RecheckInterval has passed
// since it was marked unavailable and its health check passes.
func (g *Gateway) recheck(ctx context.Context) {
	st, ok := g.degradation.GetSystemHealth().Services[ServiceName]
	if !ok || st.Available || g.now().Sub(st.LastCheck) < g.cfg.RecheckInterval {
		return
	}
	if err := g.checkPrimary(ctx); err != nil {
		g.degradation.MarkUnavailable(ServiceName, err)
		return
	}
	g.degradation.MarkAvailable(ServiceName)
}

func (g *Gateway) unavailableLevel() resilience.ServiceLevel {
	if g.fallback != nil {
		return resilience.LevelPartial
	}
	return resilience.LevelOffline
}

// Execute runs the tool with retry and, when configured, fallback. Failures
// are reported both in the outcome and as a *faults.Error.
func (g *Gateway) Execute(ctx context.Context, req Request) (*domain.ToolOutcome, error) {
	const op = "toolexec.execute"

	if req.ToolName == "" {
		return nil, faults.Validation(op, "tool name is required")
	}

	ctx, span := g.tracer.Start(ctx, "toolexec.Execute",
		trace.WithAttributes(
			attribute.String("tool.name", req.ToolName),
			attribute.String("tenant.id", req.TenantID),
			attribute.String("action.id", req.ActionID),
		),
	)
	defer span.End()

	start := g.now()
	var data map[string]interface{}
	attempts := 0

	run := func(backend Backend) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			res := resilience.RetryWithResult(ctx, g.cfg.Retry, func(ctx context.Context) (map[string]interface{}, error) {
				attempts++
				return g.attempt(ctx, backend, req)
			}, g.retryOpts...)
			data = res.Value
			return res.Err
		}
	}

	var err error
	if g.degradation != nil {
		g.recheck(ctx)
		var fallback func(ctx context.Context) error
		if g.fallback != nil {
			fallback = run(g.fallback)
		}
		// Failures that are not transient are the tool's answer, not an
		// outage; they must not degrade the executor or reach the fallback.
		var permanent error
		primary := func(ctx context.Context) error {
			perr := run(g.backend)(ctx)
			if perr != nil && !resilience.IsTransient(perr) {
				permanent = perr
				return nil
			}
			return perr
		}
		err = g.degradation.ExecuteWithFallback(ctx, ServiceName, primary, fallback, nil)
		if permanent != nil {
			err = permanent
		}
	} else {
		err = run(g.backend)(ctx)
	}

	outcome := &domain.ToolOutcome{
		Success:    err == nil,
		Data:       data,
		Attempts:   attempts,
		Duration:   g.now().Sub(start),
		ExecutedAt: start,
	}

	if err != nil {
		ferr := asToolError(op, err)
		outcome.Error = ferr.Error()
		outcome.ErrorCode = ferr.Code
		outcome.Retryable = ferr.Retryable
		span.RecordError(ferr)
		span.SetStatus(codes.Error, "tool execution failed")
		g.logger.Warn("tool execution failed",
			zap.String("tool", req.ToolName),
			zap.String("tenant_id", req.TenantID),
			zap.String("action_id", req.ActionID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		g.record(req, outcome)
		toolExecutionsTotal.WithLabelValues(req.ToolName, "failure").Inc()
		return outcome, ferr
	}

	span.SetAttributes(attribute.Int("tool.attempts", attempts))
	g.logger.Info("tool executed",
		zap.String("tool", req.ToolName),
		zap.String("tenant_id", req.TenantID),
		zap.String("action_id", req.ActionID),
		zap.Int("attempts", attempts),
		zap.Duration("duration", outcome.Duration),
	)
	g.record(req, outcome)
	toolExecutionsTotal.WithLabelValues(req.ToolName, "success").Inc()
	return outcome, nil
}

func (g *Gateway) attempt(ctx context.Context, backend Backend, req Request) (map[string]interface{}, error) {
	const op = "toolexec.attempt"

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, faults.ToolExecution(op, "rate_limited", errors.Join(resilience.ErrRateLimited, err))
		}
	}

	attemptCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	out, err := backend.Call(attemptCtx, req.ToolName, req.Parameters)
	if err == nil {
		return out, nil
	}
	if faults.KindOf(err) != "" {
		return nil, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, faults.Wrap(faults.KindTimeout, op, err)
	}
	return nil, faults.ToolExecution(op, "", err)
}

// asToolError normalizes any execution failure to a ToolExecutionError,
// keeping the original as cause.
func asToolError(op string, err error) *faults.Error {
	var fe *faults.Error
	if errors.As(err, &fe) && fe.Kind == faults.KindToolExecution {
		return fe
	}
	out := faults.ToolExecution(op, "", err)
	switch resilience.Categorize(err) {
	case resilience.CategoryTimeout:
		out.Code = "timeout"
	case resilience.CategoryRateLimit:
		out.Code = "rate_limited"
	case resilience.CategoryValidation, resilience.CategoryNotFound, resilience.CategoryAuthorization:
		out.Retryable = false
	}
	return out
}

// ExecutionRecord is one entry of the gateway's execution log.
type ExecutionRecord struct {
	ID            string        `json:"id"`
	ToolName      string        `json:"tool_name"`
	TenantID      string        `json:"tenant_id"`
	ActionID      string        `json:"action_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Attempts      int           `json:"attempts"`
	Duration      time.Duration `json:"duration"`
	Success       bool          `json:"success"`
	ErrorCode     string        `json:"error_code,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutedAt    time.Time     `json:"executed_at"`
}

func (g *Gateway) record(req Request, o *domain.ToolOutcome) {
	rec := ExecutionRecord{
		ID:            uuid.New().String(),
		ToolName:      req.ToolName,
		TenantID:      req.TenantID,
		ActionID:      req.ActionID,
		CorrelationID: req.CorrelationID,
		Attempts:      o.Attempts,
		Duration:      o.Duration,
		Success:       o.Success,
		ErrorCode:     o.ErrorCode,
		Error:         o.Error,
		ExecutedAt:    o.ExecutedAt,
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.log = append(g.log, rec)
	if over := len(g.log) - g.cfg.LogSize; over > 0 {
		g.log = append([]ExecutionRecord(nil), g.log[over:]...)
	}
}

// Executions returns the logged executions for a tenant, oldest first.
func (g *Gateway) Executions(tenantID string) []ExecutionRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ExecutionRecord
	for _, r := range g.log {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out
}
