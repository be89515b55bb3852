package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
	"github.com/fyrsmithlabs/regcycle/internal/humangate"
	"github.com/fyrsmithlabs/regcycle/internal/orchestrator"
	"github.com/fyrsmithlabs/regcycle/internal/resilience"
)

// Options configures the engine with service instances.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Gate         *humangate.Service
	Degradation  *resilience.DegradationManager
	Logger       *zap.Logger
	Now          func() time.Time
}

// Engine is the caller-facing facade over the orchestrator, the human gate
// and the degradation manager.
type Engine struct {
	orch        *orchestrator.Orchestrator
	gate        *humangate.Service
	degradation *resilience.DegradationManager
	logger      *zap.Logger
	now         func() time.Time
}

// NewEngine creates an engine. Orchestrator and Gate are required.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("human gate service is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		orch:        opts.Orchestrator,
		gate:        opts.Gate,
		degradation: opts.Degradation,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	e.gate.OnExpire(e.applyExpiredResult)
	return e, nil
}

func (e *Engine) Orchestrator() *orchestrator.Orchestrator   { return e.orch }
func (e *Engine) Gate() *humangate.Service                   { return e.gate }
func (e *Engine) Degradation() *resilience.DegradationManager { return e.degradation }

// StartCycle starts a reporting cycle.
func (e *Engine) StartCycle(ctx context.Context, req orchestrator.StartCycleRequest) (*domain.Cycle, error) {
	return e.orch.StartCycle(ctx, req)
}

// AdvanceStep advances one step of a cycle.
func (e *Engine) AdvanceStep(ctx context.Context, tenantID, cycleID, stepID string) (*domain.Cycle, error) {
	return e.orch.Advance(ctx, tenantID, cycleID, stepID)
}

// GetCycle returns a cycle.
func (e *Engine) GetCycle(ctx context.Context, tenantID, cycleID string) (*domain.Cycle, error) {
	return e.orch.GetCycle(ctx, tenantID, cycleID)
}

// ListCycles returns the tenant's cycles.
func (e *Engine) ListCycles(ctx context.Context, tenantID string) ([]*domain.Cycle, error) {
	return e.orch.ListCycles(ctx, tenantID)
}

// AdvancePhase moves a cycle to its next phase.
func (e *Engine) AdvancePhase(ctx context.Context, tenantID, cycleID string) (*domain.Cycle, error) {
	return e.orch.AdvancePhase(ctx, tenantID, cycleID)
}

// RequestAttestation creates the submission attestation task.
func (e *Engine) RequestAttestation(ctx context.Context, req orchestrator.AttestationRequest) (*domain.HumanTask, error) {
	return e.orch.RequestAttestation(ctx, req)
}

// ApproveCheckpoint signs a checkpoint.
func (e *Engine) ApproveCheckpoint(ctx context.Context, tenantID, cycleID, checkpointID, approverID string) (*domain.Cycle, error) {
	return e.orch.ApproveCheckpoint(ctx, tenantID, cycleID, checkpointID, approverID)
}

// CompletionViolations lists what blocks completion of a cycle.
func (e *Engine) CompletionViolations(ctx context.Context, tenantID, cycleID string) ([]orchestrator.Violation, error) {
	return e.orch.CompletionViolations(ctx, tenantID, cycleID)
}

// CompleteCycle completes a cycle once every gate passes.
func (e *Engine) CompleteCycle(ctx context.Context, tenantID, cycleID string) (*domain.Cycle, error) {
	return e.orch.CompleteCycle(ctx, tenantID, cycleID)
}

// DecisionRequest records a human decision on either a task or a pending
// action. Exactly one of TaskID and ActionID is set.
type DecisionRequest struct {
	TenantID    string                 `json:"tenant_id"`
	TaskID      string                 `json:"task_id,omitempty"`
	ActionID    string                 `json:"action_id,omitempty"`
	Decision    domain.Outcome         `json:"decision"`
	Rationale   string                 `json:"rationale"`
	DecidedBy   string                 `json:"decided_by"`
	DeciderRole string                 `json:"decider_role,omitempty"`
	Signature   string                 `json:"signature,omitempty"`
	Changes     map[string]interface{} `json:"changes,omitempty"`
}

// DecisionResult is what a decision produced. Cycle is nil when the
// decided item is not attached to a cycle.
type DecisionResult struct {
	Task   *domain.HumanTask       `json:"task,omitempty"`
	Action *domain.HumanGateResult `json:"action,omitempty"`
	Cycle  *domain.Cycle           `json:"cycle,omitempty"`
}

// RecordHumanDecision applies a decision. Action decisions go through the
// human gate first; the resolved action is then applied to its cycle step.
// An expired action is archived and its step reacts as to a rejection; the
// ActionExpired error is still returned.
func (e *Engine) RecordHumanDecision(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	const op = "services.record_human_decision"

	hasTask := strings.TrimSpace(req.TaskID) != ""
	hasAction := strings.TrimSpace(req.ActionID) != ""
	if hasTask == hasAction {
		return nil, faults.Validation(op, "exactly one of task_id and action_id is required")
	}

	if hasTask {
		task, cycle, err := e.orch.RecordTaskDecision(ctx, orchestrator.TaskDecisionRequest{
			TenantID:    req.TenantID,
			TaskID:      req.TaskID,
			Outcome:     req.Decision,
			Rationale:   req.Rationale,
			DecidedBy:   req.DecidedBy,
			DeciderRole: req.DeciderRole,
			Changes:     req.Changes,
		})
		if err != nil {
			return nil, err
		}
		return &DecisionResult{Task: task, Cycle: cycle}, nil
	}

	result, err := e.gate.Decide(ctx, humangate.DecideRequest{
		TenantID:    req.TenantID,
		ActionID:    req.ActionID,
		Decision:    req.Decision,
		Rationale:   req.Rationale,
		DecidedBy:   req.DecidedBy,
		DeciderRole: req.DeciderRole,
		Signature:   req.Signature,
	})
	if err != nil {
		if faults.IsKind(err, faults.KindNotFound) {
			// Listing or a sweep may have archived the action already.
			if archived, gerr := e.gate.GetResult(ctx, req.TenantID, req.ActionID); gerr == nil && archived.Status == domain.ActionExpired && archived.Action != nil {
				e.applyExpiredResult(ctx, archived)
				return nil, faults.New(faults.KindActionExpired, op, "action %s expired at %s",
					req.ActionID, archived.Action.ExpiresAt.Format(time.RFC3339))
			}
		}
		return nil, err
	}

	out := &DecisionResult{Action: result}
	cycle, err := e.orch.RecordActionDecision(ctx, result)
	if err != nil {
		// The decision stands; the cycle can be reconciled later.
		e.logger.Warn("failed to apply action decision to cycle",
			zap.String("action_id", result.ActionID),
			zap.String("cycle_id", result.Action.CycleID),
			zap.Error(err),
		)
		return out, fmt.Errorf("decision recorded but cycle not updated: %w", err)
	}
	out.Cycle = cycle
	return out, nil
}

// applyExpiredResult applies an expiry to the step still waiting on the
// action. A step that already moved on is left alone.
func (e *Engine) applyExpiredResult(ctx context.Context, result *domain.HumanGateResult) {
	if result == nil || result.Action == nil || result.Action.CycleID == "" {
		return
	}
	if _, err := e.orch.RecordActionDecision(ctx, result); err != nil && !faults.IsKind(err, faults.KindInvalidTransition) {
		e.logger.Warn("failed to apply expired action to cycle",
			zap.String("action_id", result.ActionID),
			zap.String("cycle_id", result.Action.CycleID),
			zap.Error(err),
		)
	}
}

// RetryExecution re-runs the tool of an approved action whose execution
// failed.
func (e *Engine) RetryExecution(ctx context.Context, tenantID, actionID string) (*domain.HumanGateResult, error) {
	return e.gate.RetryExecution(ctx, tenantID, actionID)
}

// CancelAction withdraws a pending action and applies the rejection to its
// cycle step.
func (e *Engine) CancelAction(ctx context.Context, tenantID, actionID, reason string) (*DecisionResult, error) {
	result, err := e.gate.CancelAction(ctx, tenantID, actionID, reason)
	if err != nil {
		return nil, err
	}
	cycle, err := e.orch.RecordActionDecision(ctx, result)
	if err != nil {
		return &DecisionResult{Action: result}, fmt.Errorf("action cancelled but cycle not updated: %w", err)
	}
	return &DecisionResult{Action: result, Cycle: cycle}, nil
}

// PendingApprovals lists the work awaiting a human.
type PendingApprovals struct {
	Tasks   []*domain.HumanTask       `json:"tasks"`
	Actions []*domain.HumanGateAction `json:"actions"`
}

// GetPendingApprovals returns open tasks and pending actions of a tenant.
// A non-empty role keeps items assigned to that role; a non-empty userID
// keeps actions requested by that user.
func (e *Engine) GetPendingApprovals(ctx context.Context, tenantID, role, userID string) (*PendingApprovals, error) {
	if tenantID == "" {
		return nil, faults.Validation("services.get_pending_approvals", "tenant id is required")
	}
	tasks, err := e.orch.PendingTasks(ctx, tenantID, role)
	if err != nil {
		return nil, err
	}
	actions, err := e.gate.GetPendingActions(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if role != "" {
		kept := make([]*domain.HumanGateAction, 0, len(actions))
		for _, a := range actions {
			if strings.EqualFold(a.RequiredRole, role) {
				kept = append(kept, a)
			}
		}
		actions = kept
	}
	if tasks == nil {
		tasks = []*domain.HumanTask{}
	}
	return &PendingApprovals{Tasks: tasks, Actions: actions}, nil
}

// GetSystemHealth runs the registered availability checks and returns the
// aggregated health. Without a degradation manager the system reports full.
func (e *Engine) GetSystemHealth(ctx context.Context) resilience.SystemHealth {
	if e.degradation == nil {
		return resilience.SystemHealth{
			Level:     resilience.LevelFull,
			Services:  map[string]resilience.ServiceStatus{},
			CheckedAt: e.now().UTC(),
		}
	}
	e.degradation.CheckServices(ctx)
	return e.degradation.GetSystemHealth()
}

// SweepSummary reports one escalation sweep.
type SweepSummary struct {
	Escalated []*domain.HumanTask `json:"escalated"`
	Expired   int                 `json:"expired"`
}

// EscalateOverdue escalates overdue tasks and expires stale approvals of a
// tenant. A zero now uses the engine clock.
func (e *Engine) EscalateOverdue(ctx context.Context, tenantID string, now time.Time) (*SweepSummary, error) {
	if now.IsZero() {
		now = e.now()
	}
	tasks, err := e.orch.EscalateOverdue(ctx, tenantID, now)
	if err != nil {
		return nil, err
	}
	expired, err := e.ExpireOverdue(ctx, tenantID)
	if err != nil {
		return &SweepSummary{Escalated: tasks}, err
	}
	return &SweepSummary{Escalated: tasks, Expired: expired}, nil
}

// ExpireOverdue expires stale approvals and applies every archived expiry
// to the step still waiting on it.
func (e *Engine) ExpireOverdue(ctx context.Context, tenantID string) (int, error) {
	n, err := e.gate.ExpireOverdue(ctx, tenantID)
	if err != nil {
		return n, err
	}
	results, err := e.gate.ListResults(ctx, tenantID)
	if err != nil {
		return n, err
	}
	// Expiries whose cycle update failed earlier are applied again.
	for _, r := range results {
		if r.Status == domain.ActionExpired {
			e.applyExpiredResult(ctx, r)
		}
	}
	return n, nil
}
