// Package humangate holds critical automated actions until a human with the
// required role approves or rejects them.
//
// An action is created from a tool call, stored as pending, and resolved
// exactly once into a result. Approval runs the tool through the execution
// gateway; a failed tool run is attached to the result and never overturns
// the decision.
package humangate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/audit"
	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
	"github.com/fyrsmithlabs/regcycle/internal/store"
	"github.com/fyrsmithlabs/regcycle/internal/toolexec"
)

const instrumentationName = "github.com/fyrsmithlabs/regcycle/internal/humangate"

// SystemActor is recorded as the decider of cancelled actions.
const SystemActor = "system"

// Config configures the human gate service.
type Config struct {
	// Timeout is how long an action stays pending. Default: 24h.
	Timeout time.Duration

	// MinRationaleLength is the minimum trimmed rationale length. Default: 10.
	MinRationaleLength int

	// RequireSignature rejects decisions without a signature.
	RequireSignature bool

	// EnforceRoles rejects decisions whose role differs from RequiredRole.
	EnforceRoles bool

	// AuditEnabled emits audit episodes for requests and decisions.
	AuditEnabled bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:            24 * time.Hour,
		MinRationaleLength: 10,
		EnforceRoles:       true,
		AuditEnabled:       true,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 24 * time.Hour
	}
	if c.MinRationaleLength < 0 {
		c.MinRationaleLength = 0
	}
}

// ActionContext carries the origin of a requested action.
type ActionContext struct {
	TenantID        string
	SessionID       string
	RequestedBy     string
	CycleID         string
	StepID          string
	AIRationale     string
	ProposedChanges map[string]interface{}
}

// DecideRequest is a human decision on a pending action.
type DecideRequest struct {
	TenantID    string
	ActionID    string
	Decision    domain.Outcome
	Rationale   string
	DecidedBy   string
	DeciderRole string
	Signature   string
}

// Service is the human gate service.
type Service struct {
	cfg      Config
	catalog  *Catalog
	actions  store.ActionStore
	executor toolexec.Executor
	recorder *audit.Recorder
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
	onExpire ExpiryFunc

	// retryMu serializes RetryExecution per action.
	retryMu sync.Mutex
	retries map[string]*sync.Mutex
}

// Option customizes a Service.
type Option func(*Service)

// ExpiryFunc is called with the archived result of every action that
// expires, whichever call noticed the expiry.
type ExpiryFunc func(ctx context.Context, result *domain.HumanGateResult)

// WithRecorder sets the audit recorder.
func WithRecorder(r *audit.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a human gate service.
func NewService(cfg Config, catalog *Catalog, actions store.ActionStore, executor toolexec.Executor, logger *zap.Logger, opts ...Option) (*Service, error) {
	if catalog == nil {
		return nil, fmt.Errorf("action catalog is required")
	}
	if actions == nil {
		return nil, fmt.Errorf("action store is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	s := &Service{
		cfg:      cfg,
		catalog:  catalog,
		actions:  actions,
		executor: executor,
		tracer:   otel.Tracer(instrumentationName),
		logger:   logger,
		now:      time.Now,
		retries:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Catalog returns the action catalog.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// CreateAction builds a pending action for a gated tool call. The action is
// not stored; pass it to RequestApproval.
func (s *Service) CreateAction(toolName string, params map[string]interface{}, actx ActionContext) (*domain.HumanGateAction, error) {
	const op = "humangate.create_action"

	if actx.TenantID == "" {
		return nil, faults.Validation(op, "tenant id is required")
	}
	desc, err := s.catalog.describe(toolName, params)
	if err != nil {
		return nil, &faults.Error{Kind: faults.KindValidation, Op: op, Err: err}
	}

	now := s.now().UTC()
	return &domain.HumanGateAction{
		ID:                uuid.New().String(),
		ActionType:        desc.ActionType,
		Title:             desc.Title,
		Description:       desc.Description,
		ImpactDescription: desc.Impact,
		RequiredRole:      desc.RequiredRole,
		EntityType:        desc.EntityType,
		EntityID:          desc.EntityID,
		ProposedChanges:   copyParams(actx.ProposedChanges),
		AIRationale:       actx.AIRationale,
		ToolName:          toolName,
		ToolParameters:    copyParams(params),
		SessionID:         actx.SessionID,
		RequestedBy:       actx.RequestedBy,
		TenantID:          actx.TenantID,
		CycleID:           actx.CycleID,
		StepID:            actx.StepID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.Timeout),
		Status:            domain.ActionPending,
	}, nil
}

// RequestApproval stores the action in the pending set.
func (s *Service) RequestApproval(ctx context.Context, a *domain.HumanGateAction) error {
	const op = "humangate.request_approval"

	ctx, span := s.tracer.Start(ctx, "humangate.RequestApproval")
	defer span.End()

	if a == nil || a.ID == "" || a.TenantID == "" {
		return faults.Validation(op, "action with id and tenant id is required")
	}
	if a.Status != domain.ActionPending {
		return faults.New(faults.KindInvalidTransition, op, "action %s is %s, not pending", a.ID, a.Status)
	}
	span.SetAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("action.type", string(a.ActionType)),
		attribute.String("tenant.id", a.TenantID),
	)

	if err := s.actions.AddPending(ctx, a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to store pending action: %w", err)
	}

	actionsRequestedTotal.WithLabelValues(string(a.ActionType)).Inc()
	s.logger.Info("approval requested",
		zap.String("action_id", a.ID),
		zap.String("action_type", string(a.ActionType)),
		zap.String("tenant_id", a.TenantID),
		zap.String("required_role", a.RequiredRole),
		zap.Time("expires_at", a.ExpiresAt),
	)
	s.audit(ctx, domain.AuditEpisode{
		TenantID:    a.TenantID,
		UserID:      a.RequestedBy,
		SessionID:   a.SessionID,
		Kind:        domain.EpisodeActionRequested,
		SubjectType: "action",
		SubjectID:   a.ID,
		Outcome:     string(domain.ActionPending),
		Rationale:   a.AIRationale,
		Details: map[string]interface{}{
			"action_type":   string(a.ActionType),
			"tool_name":     a.ToolName,
			"entity_type":   a.EntityType,
			"entity_id":     a.EntityID,
			"required_role": a.RequiredRole,
			"cycle_id":      a.CycleID,
			"step_id":       a.StepID,
		},
	})
	return nil
}

// Decide resolves a pending action. Exactly one of any number of concurrent
// calls for the same action succeeds; the others get NotFound.
func (s *Service) Decide(ctx context.Context, req DecideRequest) (*domain.HumanGateResult, error) {
	const op = "humangate.decide"

	ctx, span := s.tracer.Start(ctx, "humangate.Decide", trace.WithAttributes(
		attribute.String("action.id", req.ActionID),
		attribute.String("tenant.id", req.TenantID),
		attribute.String("decision", string(req.Decision)),
	))
	defer span.End()

	result, err := s.decide(ctx, op, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (s *Service) decide(ctx context.Context, op string, req DecideRequest) (*domain.HumanGateResult, error) {
	if req.TenantID == "" || req.ActionID == "" {
		return nil, faults.Validation(op, "tenant id and action id are required")
	}
	if !req.Decision.Valid() {
		return nil, faults.Validation(op, "invalid decision %q", req.Decision)
	}
	if strings.TrimSpace(req.DecidedBy) == "" {
		return nil, faults.Validation(op, "decided_by is required")
	}

	a, err := s.actions.GetPending(ctx, req.TenantID, req.ActionID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if a.Expired(now) {
		if _, err := s.expire(ctx, a, now); err != nil {
			return nil, err
		}
		return nil, faults.New(faults.KindActionExpired, op, "action %s expired at %s", a.ID, a.ExpiresAt.Format(time.RFC3339))
	}

	if n := len(strings.TrimSpace(req.Rationale)); n < s.cfg.MinRationaleLength {
		return nil, faults.Validation(op, "rationale must be at least %d characters, got %d", s.cfg.MinRationaleLength, n)
	}
	if s.cfg.RequireSignature && strings.TrimSpace(req.Signature) == "" {
		return nil, faults.Validation(op, "signature is required")
	}
	if s.cfg.EnforceRoles && req.DeciderRole != "" && a.RequiredRole != "" &&
		!strings.EqualFold(req.DeciderRole, a.RequiredRole) {
		return nil, faults.Authorization(op, "role %q may not decide %s actions; requires %q", req.DeciderRole, a.ActionType, a.RequiredRole)
	}

	taken, ok, err := s.actions.TakePending(ctx, req.TenantID, req.ActionID)
	if err != nil {
		return nil, fmt.Errorf("failed to take pending action: %w", err)
	}
	if !ok {
		return nil, faults.NotFound(op, "pending action", req.ActionID)
	}

	status := domain.ActionRejected
	if req.Decision == domain.OutcomeApproved {
		status = domain.ActionApproved
	}
	taken.Status = status

	result := &domain.HumanGateResult{
		ActionID:  taken.ID,
		TenantID:  taken.TenantID,
		Action:    taken,
		Status:    status,
		Decision:  req.Decision,
		Rationale: req.Rationale,
		DecidedBy: req.DecidedBy,
		DecidedAt: now,
		Signature: req.Signature,
	}

	if status == domain.ActionApproved {
		result.ToolResult = s.execute(ctx, taken)
	}

	if err := s.actions.SaveResult(ctx, result); err != nil {
		// The action has left the pending set; the decision is still returned.
		s.logger.Error("failed to archive decision",
			zap.String("action_id", taken.ID),
			zap.String("tenant_id", taken.TenantID),
			zap.Error(err),
		)
	}

	decisionsTotal.WithLabelValues(string(taken.ActionType), string(status)).Inc()
	decisionLatency.WithLabelValues(string(taken.ActionType)).Observe(now.Sub(taken.CreatedAt).Seconds())

	fields := []zap.Field{
		zap.String("action_id", taken.ID),
		zap.String("action_type", string(taken.ActionType)),
		zap.String("tenant_id", taken.TenantID),
		zap.String("decision", string(req.Decision)),
		zap.String("decided_by", req.DecidedBy),
	}
	if tr := result.ToolResult; tr != nil {
		fields = append(fields, zap.Bool("tool_success", tr.Success), zap.Int("tool_attempts", tr.Attempts))
	}
	s.logger.Info("action decided", fields...)

	details := map[string]interface{}{
		"action_type": string(taken.ActionType),
		"tool_name":   taken.ToolName,
		"entity_id":   taken.EntityID,
		"signed":      req.Signature != "",
		"cycle_id":    taken.CycleID,
		"step_id":     taken.StepID,
	}
	if tr := result.ToolResult; tr != nil {
		details["tool_success"] = tr.Success
		details["tool_attempts"] = tr.Attempts
		if !tr.Success {
			details["tool_error"] = tr.Error
		}
	}
	s.audit(ctx, domain.AuditEpisode{
		TenantID:    taken.TenantID,
		UserID:      req.DecidedBy,
		SessionID:   taken.SessionID,
		Kind:        domain.EpisodeActionDecided,
		SubjectType: "action",
		SubjectID:   taken.ID,
		Outcome:     string(req.Decision),
		Rationale:   req.Rationale,
		Details:     details,
	})

	return result.Clone(), nil
}

// execute runs the action's tool. A failure is returned as an unsuccessful
// outcome that can be re-triggered with RetryExecution.
func (s *Service) execute(ctx context.Context, a *domain.HumanGateAction) *domain.ToolOutcome {
	out, err := s.executor.Execute(ctx, toolexec.Request{
		ToolName:   a.ToolName,
		Parameters: copyParams(a.ToolParameters),
		TenantID:   a.TenantID,
		ActionID:   a.ID,
	})
	if out == nil {
		out = &domain.ToolOutcome{ExecutedAt: s.now().UTC()}
	}
	if err != nil {
		out.Success = false
		if out.Error == "" {
			out.Error = err.Error()
		}
		out.Retryable = true
		s.logger.Warn("tool execution failed after approval",
			zap.String("action_id", a.ID),
			zap.String("tool", a.ToolName),
			zap.Int("attempts", out.Attempts),
			zap.Error(err),
		)
	}
	return out
}

// GetPendingActions returns the tenant's non-expired pending actions,
// filtered to userID's requests when userID is set. Expired actions found
// along the way are archived as expired.
func (s *Service) GetPendingActions(ctx context.Context, tenantID, userID string) ([]*domain.HumanGateAction, error) {
	if tenantID == "" {
		return nil, faults.Validation("humangate.get_pending", "tenant id is required")
	}
	pending, err := s.actions.ListPending(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}

	now := s.now().UTC()
	out := make([]*domain.HumanGateAction, 0, len(pending))
	for _, a := range pending {
		if a.Expired(now) {
			if _, err := s.expire(ctx, a, now); err != nil {
				return nil, err
			}
			continue
		}
		if userID != "" && a.RequestedBy != userID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// ExpireOverdue archives every expired pending action of the tenant and
// returns how many were expired.
func (s *Service) ExpireOverdue(ctx context.Context, tenantID string) (int, error) {
	pending, err := s.actions.ListPending(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending actions: %w", err)
	}
	now := s.now().UTC()
	n := 0
	for _, a := range pending {
		if !a.Expired(now) {
			continue
		}
		expired, err := s.expire(ctx, a, now)
		if err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// expire moves a pending action to the archive as expired. It reports false
// when another caller resolved the action first.
func (s *Service) expire(ctx context.Context, a *domain.HumanGateAction, now time.Time) (bool, error) {
	taken, ok, err := s.actions.TakePending(ctx, a.TenantID, a.ID)
	if err != nil {
		return false, fmt.Errorf("failed to take pending action: %w", err)
	}
	if !ok {
		return false, nil
	}
	taken.Status = domain.ActionExpired
	result := &domain.HumanGateResult{
		ActionID:  taken.ID,
		TenantID:  taken.TenantID,
		Action:    taken,
		Status:    domain.ActionExpired,
		DecidedBy: SystemActor,
		DecidedAt: now,
	}
	if err := s.actions.SaveResult(ctx, result); err != nil {
		return true, fmt.Errorf("failed to archive expired action: %w", err)
	}

	decisionsTotal.WithLabelValues(string(taken.ActionType), string(domain.ActionExpired)).Inc()
	s.logger.Info("action expired",
		zap.String("action_id", taken.ID),
		zap.String("tenant_id", taken.TenantID),
		zap.Time("expires_at", taken.ExpiresAt),
	)
	s.audit(ctx, domain.AuditEpisode{
		TenantID:    taken.TenantID,
		UserID:      SystemActor,
		Kind:        domain.EpisodeActionExpired,
		SubjectType: "action",
		SubjectID:   taken.ID,
		Outcome:     string(domain.ActionExpired),
		Details: map[string]interface{}{
			"action_type": string(taken.ActionType),
			"cycle_id":    taken.CycleID,
			"step_id":     taken.StepID,
		},
	})
	if s.onExpire != nil {
		s.onExpire(ctx, result)
	}
	return true, nil
}

// OnExpire sets the expiry callback. It must be set before the service is
// used concurrently.
func (s *Service) OnExpire(fn ExpiryFunc) {
	s.onExpire = fn
}

// CancelAction resolves a pending action as rejected by the system.
func (s *Service) CancelAction(ctx context.Context, tenantID, actionID, reason string) (*domain.HumanGateResult, error) {
	const op = "humangate.cancel"

	taken, ok, err := s.actions.TakePending(ctx, tenantID, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to take pending action: %w", err)
	}
	if !ok {
		return nil, faults.NotFound(op, "pending action", actionID)
	}
	if reason == "" {
		reason = "cancelled"
	}

	taken.Status = domain.ActionRejected
	result := &domain.HumanGateResult{
		ActionID:  taken.ID,
		TenantID:  taken.TenantID,
		Action:    taken,
		Status:    domain.ActionRejected,
		Decision:  domain.OutcomeRejected,
		Rationale: reason,
		DecidedBy: SystemActor,
		DecidedAt: s.now().UTC(),
	}
	if err := s.actions.SaveResult(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to archive cancelled action: %w", err)
	}

	decisionsTotal.WithLabelValues(string(taken.ActionType), "cancelled").Inc()
	s.logger.Info("action cancelled",
		zap.String("action_id", taken.ID),
		zap.String("tenant_id", taken.TenantID),
		zap.String("reason", reason),
	)
	s.audit(ctx, domain.AuditEpisode{
		TenantID:    taken.TenantID,
		UserID:      SystemActor,
		Kind:        domain.EpisodeActionCancelled,
		SubjectType: "action",
		SubjectID:   taken.ID,
		Outcome:     string(domain.OutcomeRejected),
		Rationale:   reason,
	})
	return result.Clone(), nil
}

// GetResult returns the archived result of an action.
func (s *Service) GetResult(ctx context.Context, tenantID, actionID string) (*domain.HumanGateResult, error) {
	return s.actions.GetResult(ctx, tenantID, actionID)
}

// ListResults returns the tenant's archived results.
func (s *Service) ListResults(ctx context.Context, tenantID string) ([]*domain.HumanGateResult, error) {
	return s.actions.ListResults(ctx, tenantID)
}

// RetryExecution re-runs the tool of an approved action whose previous run
// failed. The decision is not revisited.
func (s *Service) RetryExecution(ctx context.Context, tenantID, actionID string) (*domain.HumanGateResult, error) {
	const op = "humangate.retry_execution"

	ctx, span := s.tracer.Start(ctx, "humangate.RetryExecution", trace.WithAttributes(
		attribute.String("action.id", actionID),
		attribute.String("tenant.id", tenantID),
	))
	defer span.End()

	mu := s.retryLock(tenantID, actionID)
	mu.Lock()
	defer mu.Unlock()

	result, err := s.actions.GetResult(ctx, tenantID, actionID)
	if err != nil {
		return nil, err
	}
	if result.Status != domain.ActionApproved {
		return nil, faults.New(faults.KindInvalidTransition, op, "action %s is %s; only approved actions run tools", actionID, result.Status)
	}
	if result.ToolResult != nil && result.ToolResult.Success {
		return nil, faults.New(faults.KindInvalidTransition, op, "tool for action %s already succeeded", actionID)
	}

	result.ToolResult = s.execute(ctx, result.Action)
	if err := s.actions.SaveResult(ctx, result); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update result: %w", err)
	}

	s.audit(ctx, domain.AuditEpisode{
		TenantID:    tenantID,
		Kind:        domain.EpisodeToolExecuted,
		SubjectType: "action",
		SubjectID:   actionID,
		Outcome:     outcomeLabel(result.ToolResult.Success),
		Details: map[string]interface{}{
			"tool_name": result.Action.ToolName,
			"attempts":  result.ToolResult.Attempts,
			"retry":     true,
		},
	})
	return result.Clone(), nil
}

func (s *Service) retryLock(tenantID, actionID string) *sync.Mutex {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	key := tenantID + "/" + actionID
	mu, ok := s.retries[key]
	if !ok {
		mu = &sync.Mutex{}
		s.retries[key] = mu
	}
	return mu
}

func (s *Service) audit(ctx context.Context, ep domain.AuditEpisode) {
	if !s.cfg.AuditEnabled {
		return
	}
	_ = s.recorder.Record(ctx, ep)
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func copyParams(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
