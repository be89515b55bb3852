// Package domain holds the entities shared by the orchestration core: cycles
// with their embedded checkpoints and steps, human tasks, human gate actions,
// issues and audit episodes.
package domain

import (
	"fmt"
	"time"
)

// Phase is a coarse stage of a cycle.
type Phase string

const (
	PhaseDataGathering Phase = "data_gathering"
	PhaseValidation    Phase = "validation"
	PhaseReview        Phase = "review"
	PhaseApproval      Phase = "approval"
	PhaseSubmission    Phase = "submission"
)

// AllPhases returns all phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseDataGathering, PhaseValidation, PhaseReview, PhaseApproval, PhaseSubmission}
}

// Index returns the position of p in AllPhases, or -1 when unknown.
func (p Phase) Index() int {
	for i, candidate := range AllPhases() {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the fixed phases.
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Next returns the phase following p. ok is false for the last phase.
func (p Phase) Next() (next Phase, ok bool) {
	idx := p.Index()
	phases := AllPhases()
	if idx < 0 || idx == len(phases)-1 {
		return "", false
	}
	return phases[idx+1], true
}

// CycleStatus is the lifecycle state of a cycle.
type CycleStatus string

const (
	CycleActive    CycleStatus = "active"
	CyclePaused    CycleStatus = "paused"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s CycleStatus) Terminal() bool {
	return s == CycleCompleted || s == CycleFailed
}

// CheckpointStatus is the state of a checkpoint.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointSkipped   CheckpointStatus = "skipped"
)

// Checkpoint is a named sign-off point within a phase.
type Checkpoint struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Phase              Phase            `json:"phase"`
	RequiredApprovers  []string         `json:"required_approvers"`
	CompletedApprovers []string         `json:"completed_approvers"`
	Status             CheckpointStatus `json:"status"`
}

// Satisfied reports whether every required approver has signed.
func (c *Checkpoint) Satisfied() bool {
	done := make(map[string]bool, len(c.CompletedApprovers))
	for _, a := range c.CompletedApprovers {
		done[a] = true
	}
	for _, r := range c.RequiredApprovers {
		if !done[r] {
			return false
		}
	}
	return true
}

// StepStatus is the state of a workflow step.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepInProgress      StepStatus = "in_progress"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepWaitingForHuman StepStatus = "waiting_for_human"
)

// RejectPolicy controls what happens to a step when its human decision is a rejection.
type RejectPolicy string

const (
	// RejectFail marks the step and the cycle failed. This is the default.
	RejectFail RejectPolicy = "fail"
	// RejectRetry returns the step to pending so it can be advanced again.
	RejectRetry RejectPolicy = "retry"
	// RejectSkip completes the step as skipped.
	RejectSkip RejectPolicy = "skip"
)

// WorkflowStep is a unit of work within a phase.
type WorkflowStep struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	Phase             Phase                  `json:"phase"`
	AgentType         string                 `json:"agent_type,omitempty"`
	IsHumanCheckpoint bool                   `json:"is_human_checkpoint"`
	RequiredRole      string                 `json:"required_role,omitempty"`
	TaskType          TaskType               `json:"task_type,omitempty"`
	ToolName          string                 `json:"tool_name,omitempty"`
	ToolParameters    map[string]interface{} `json:"tool_parameters,omitempty"`
	Dependencies      []string               `json:"dependencies,omitempty"`
	OnReject          RejectPolicy           `json:"on_reject,omitempty"`
	Status            StepStatus             `json:"status"`
	Skipped           bool                   `json:"skipped,omitempty"`
	PendingTaskID     string                 `json:"pending_task_id,omitempty"`
	PendingActionID   string                 `json:"pending_action_id,omitempty"`
	Output            map[string]interface{} `json:"output,omitempty"`
	Error             string                 `json:"error,omitempty"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
}

// RequiresCriticalAction reports whether the step carries an automated
// action that must be approved through the human gate.
func (s *WorkflowStep) RequiresCriticalAction() bool {
	return s.ToolName != ""
}

// AuditEntry is an entry of a cycle's embedded audit trail.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Cycle is one instance of a multi-phase compliance reporting period.
//
// Invariants: CompletedAt is set iff Status is completed; PausedAt and
// PauseReason are set iff Status is paused.
type Cycle struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	ReportID     string          `json:"report_id"`
	PeriodEnd    time.Time       `json:"period_end"`
	Status       CycleStatus     `json:"status"`
	CurrentPhase Phase           `json:"current_phase"`
	Checkpoints  []*Checkpoint   `json:"checkpoints"`
	Steps        []*WorkflowStep `json:"steps"`
	AuditTrail   []AuditEntry    `json:"audit_trail"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	PausedAt     *time.Time      `json:"paused_at,omitempty"`
	PauseReason  string          `json:"pause_reason,omitempty"`
}

// Step returns the step with the given id.
func (c *Cycle) Step(id string) (*WorkflowStep, bool) {
	for _, s := range c.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Checkpoint returns the checkpoint with the given id.
func (c *Cycle) Checkpoint(id string) (*Checkpoint, bool) {
	for _, cp := range c.Checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return nil, false
}

// StepsInPhase returns the steps belonging to phase.
func (c *Cycle) StepsInPhase(phase Phase) []*WorkflowStep {
	var out []*WorkflowStep
	for _, s := range c.Steps {
		if s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

// WaitingSteps returns the steps currently waiting for a human decision.
func (c *Cycle) WaitingSteps() []*WorkflowStep {
	var out []*WorkflowStep
	for _, s := range c.Steps {
		if s.Status == StepWaitingForHuman {
			out = append(out, s)
		}
	}
	return out
}

// Pause moves the cycle to paused, keeping the pause invariant.
func (c *Cycle) Pause(reason string, at time.Time) {
	c.Status = CyclePaused
	c.PausedAt = &at
	c.PauseReason = reason
}

// Resume moves a paused cycle back to active and clears the pause fields.
func (c *Cycle) Resume() {
	c.Status = CycleActive
	c.PausedAt = nil
	c.PauseReason = ""
}

// Fail marks the cycle failed.
func (c *Cycle) Fail() {
	c.Status = CycleFailed
	c.PausedAt = nil
	c.PauseReason = ""
}

// Complete marks the cycle completed at the given time.
func (c *Cycle) Complete(at time.Time) {
	c.Status = CycleCompleted
	c.CompletedAt = &at
	c.PausedAt = nil
	c.PauseReason = ""
}

// Record appends an entry to the embedded audit trail.
func (c *Cycle) Record(at time.Time, actor, action, subject, detail string) {
	c.AuditTrail = append(c.AuditTrail, AuditEntry{
		Timestamp: at,
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Detail:    detail,
	})
}

// CheckInvariants verifies the status/timestamp invariants of the cycle.
func (c *Cycle) CheckInvariants() error {
	if (c.CompletedAt != nil) != (c.Status == CycleCompleted) {
		return fmt.Errorf("cycle %s: completed_at set=%t with status %s", c.ID, c.CompletedAt != nil, c.Status)
	}
	paused := c.Status == CyclePaused
	if (c.PausedAt != nil) != paused || (c.PauseReason != "") != paused {
		return fmt.Errorf("cycle %s: pause fields inconsistent with status %s", c.ID, c.Status)
	}
	for _, cp := range c.Checkpoints {
		if cp.Status == CheckpointCompleted && !cp.Satisfied() {
			return fmt.Errorf("checkpoint %s completed without all required approvers", cp.ID)
		}
	}
	return nil
}

// Clone returns a deep copy of the cycle.
func (c *Cycle) Clone() *Cycle {
	if c == nil {
		return nil
	}
	out := *c
	out.Checkpoints = make([]*Checkpoint, len(c.Checkpoints))
	for i, cp := range c.Checkpoints {
		cpCopy := *cp
		cpCopy.RequiredApprovers = append([]string(nil), cp.RequiredApprovers...)
		cpCopy.CompletedApprovers = append([]string(nil), cp.CompletedApprovers...)
		out.Checkpoints[i] = &cpCopy
	}
	out.Steps = make([]*WorkflowStep, len(c.Steps))
	for i, s := range c.Steps {
		sCopy := *s
		sCopy.Dependencies = append([]string(nil), s.Dependencies...)
		sCopy.ToolParameters = copyMap(s.ToolParameters)
		sCopy.Output = copyMap(s.Output)
		out.Steps[i] = &sCopy
	}
	out.AuditTrail = append([]AuditEntry(nil), c.AuditTrail...)
	return &out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
