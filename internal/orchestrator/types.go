package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
	"github.com/fyrsmithlabs/regcycle/internal/humangate"
	"github.com/fyrsmithlabs/regcycle/internal/resilience"
)

// Config configures the orchestrator.
type Config struct {
	// TaskDue is how long a human task may stay open before it is overdue.
	// Default: 72h.
	TaskDue time.Duration

	// MaxEscalationLevel bounds EscalationLevel. Default: 3.
	MaxEscalationLevel int

	// StepRetry configures retries of automated step handlers.
	StepRetry resilience.RetryConfig
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TaskDue:            72 * time.Hour,
		MaxEscalationLevel: 3,
		StepRetry:          resilience.DefaultRetryConfig(),
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.TaskDue <= 0 {
		c.TaskDue = 72 * time.Hour
	}
	if c.MaxEscalationLevel <= 0 {
		c.MaxEscalationLevel = 3
	}
	c.StepRetry.ApplyDefaults()
}

// StepPlan declares one step of a cycle.
type StepPlan struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	Phase             domain.Phase           `json:"phase"`
	AgentType         string                 `json:"agent_type,omitempty"`
	IsHumanCheckpoint bool                   `json:"is_human_checkpoint"`
	RequiredRole      string                 `json:"required_role,omitempty"`
	TaskType          domain.TaskType        `json:"task_type,omitempty"`
	ToolName          string                 `json:"tool_name,omitempty"`
	ToolParameters    map[string]interface{} `json:"tool_parameters,omitempty"`
	Dependencies      []string               `json:"dependencies,omitempty"`
	OnReject          domain.RejectPolicy    `json:"on_reject,omitempty"`
}

// CheckpointPlan declares a sign-off point of a phase.
type CheckpointPlan struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Phase             domain.Phase `json:"phase"`
	RequiredApprovers []string     `json:"required_approvers"`
}

// StartCycleRequest starts a cycle from a step plan.
type StartCycleRequest struct {
	TenantID    string           `json:"tenant_id"`
	ReportID    string           `json:"report_id"`
	PeriodEnd   time.Time        `json:"period_end"`
	Steps       []StepPlan       `json:"steps"`
	Checkpoints []CheckpointPlan `json:"checkpoints,omitempty"`
	StartedBy   string           `json:"started_by,omitempty"`
}

// TaskDecisionRequest records a human decision on a task.
type TaskDecisionRequest struct {
	TenantID    string                 `json:"tenant_id"`
	TaskID      string                 `json:"task_id"`
	Outcome     domain.Outcome         `json:"outcome"`
	Rationale   string                 `json:"rationale"`
	DecidedBy   string                 `json:"decided_by"`
	DeciderRole string                 `json:"decider_role,omitempty"`
	Changes     map[string]interface{} `json:"changes,omitempty"`
}

// AttestationRequest asks an executive to attest a cycle's submission.
type AttestationRequest struct {
	TenantID string `json:"tenant_id"`
	CycleID  string `json:"cycle_id"`
	Role     string `json:"role"`
	Assignee string `json:"assignee,omitempty"`
}

// StepHandler executes automated steps of one agent type.
type StepHandler interface {
	// AgentType returns the agent type this handler serves.
	AgentType() string

	// Execute runs the step and returns its output.
	Execute(ctx context.Context, cycle *domain.Cycle, step *domain.WorkflowStep) (map[string]interface{}, error)
}

// StepHandlerFunc adapts a function to a StepHandler.
type StepHandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, cycle *domain.Cycle, step *domain.WorkflowStep) (map[string]interface{}, error)
}

// AgentType implements StepHandler.
func (h StepHandlerFunc) AgentType() string { return h.Type }

// Execute implements StepHandler.
func (h StepHandlerFunc) Execute(ctx context.Context, cycle *domain.Cycle, step *domain.WorkflowStep) (map[string]interface{}, error) {
	return h.Fn(ctx, cycle, step)
}

// ActionGate is the part of the human gate service the orchestrator uses.
type ActionGate interface {
	CreateAction(toolName string, params map[string]interface{}, actx humangate.ActionContext) (*domain.HumanGateAction, error)
	RequestApproval(ctx context.Context, a *domain.HumanGateAction) error
	CancelAction(ctx context.Context, tenantID, actionID, reason string) (*domain.HumanGateResult, error)
}

// GateState is the data a completion gate evaluates.
type GateState struct {
	Cycle  *domain.Cycle
	Tasks  []*domain.HumanTask
	Issues []*domain.Issue
	Now    time.Time
}

// CompletionGate defines a condition that must hold before a cycle completes.
type CompletionGate interface {
	// Name returns the gate identifier
	Name() string

	// Check evaluates the gate, returning violations if any
	Check(ctx context.Context, state *GateState) ([]Violation, error)
}

// Violation is a reason a cycle may not complete.
type Violation struct {
	Type        ViolationType `json:"type"`
	Gate        string        `json:"gate"`
	SubjectID   string        `json:"subject_id,omitempty"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// ViolationType categorizes completion violations
type ViolationType string

const (
	ViolationCriticalIssueOpen     ViolationType = "critical_issue_open"
	ViolationAttestationMissing    ViolationType = "attestation_missing"
	ViolationAttestationIncomplete ViolationType = "attestation_incomplete"
	ViolationStepsIncomplete       ViolationType = "steps_incomplete"
	ViolationCheckpointsIncomplete ViolationType = "checkpoints_incomplete"
	ViolationPhaseNotFinal         ViolationType = "phase_not_final"
	ViolationCyclePaused           ViolationType = "cycle_paused"
)

// Kind maps the violation to the error kind reported to callers.
func (t ViolationType) Kind() faults.Kind {
	switch t {
	case ViolationCriticalIssueOpen:
		return faults.KindCriticalIssue
	case ViolationAttestationMissing, ViolationAttestationIncomplete:
		return faults.KindAttestation
	case ViolationStepsIncomplete, ViolationCheckpointsIncomplete:
		return faults.KindDependency
	}
	return faults.KindInvalidTransition
}

// Severity indicates how serious a violation is
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// StepProgress reports progress of a cycle's steps.
type StepProgress struct {
	CycleID    string            `json:"cycle_id"`
	StepID     string            `json:"step_id"`
	Status     domain.StepStatus `json:"status"`
	Message    string            `json:"message"`
	Percentage int               `json:"percentage"`
}

// ProgressCallback receives progress updates.
type ProgressCallback func(progress StepProgress)
