package domain

import "time"

// TaskType classifies a human task.
type TaskType string

const (
	TaskCheckpointApproval TaskType = "checkpoint_approval"
	TaskAttestation        TaskType = "attestation"
	TaskReview             TaskType = "review"
	TaskIssueResolution    TaskType = "issue_resolution"
	TaskExceptionApproval  TaskType = "exception_approval"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskCheckpointApproval, TaskAttestation, TaskReview, TaskIssueResolution, TaskExceptionApproval:
		return true
	}
	return false
}

// TaskStatus is the state of a human task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskEscalated  TaskStatus = "escalated"
)

// Outcome is the result of a human decision.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Valid reports whether o is approved or rejected.
func (o Outcome) Valid() bool {
	return o == OutcomeApproved || o == OutcomeRejected
}

// TaskDecision is the decision recorded on a completed task.
type TaskDecision struct {
	Outcome Outcome                `json:"outcome"`
	Changes map[string]interface{} `json:"changes,omitempty"`
}

// Attestation roles allowed to sign the submission attestation.
var AttestationRoles = []string{"CFO", "CRO", "CEO"}

// IsAttestationRole reports whether role may sign an attestation.
func IsAttestationRole(role string) bool {
	for _, r := range AttestationRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HumanTask is a unit of human work tracked to completion with a decision.
//
// Invariant: Status completed implies Decision and DecisionRationale are set.
type HumanTask struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	CycleID           string        `json:"cycle_id"`
	StepID            string        `json:"step_id,omitempty"`
	Type              TaskType      `json:"type"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	Assignee          string        `json:"assignee,omitempty"`
	AssigneeRole      string        `json:"assignee_role"`
	DueDate           time.Time     `json:"due_date"`
	Status            TaskStatus    `json:"status"`
	Decision          *TaskDecision `json:"decision,omitempty"`
	DecisionRationale string        `json:"decision_rationale,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	CompletedBy       string        `json:"completed_by,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	EscalationLevel   int           `json:"escalation_level"`
}

// Open reports whether the task still awaits a decision.
func (t *HumanTask) Open() bool {
	return t.Status != TaskCompleted
}

// Overdue reports whether the task is open and past its due date.
func (t *HumanTask) Overdue(now time.Time) bool {
	return t.Open() && !t.DueDate.IsZero() && now.After(t.DueDate)
}

// Clone returns a copy of the task.
func (t *HumanTask) Clone() *HumanTask {
	if t == nil {
		return nil
	}
	out := *t
	if t.Decision != nil {
		d := *t.Decision
		d.Changes = copyMap(t.Decision.Changes)
		out.Decision = &d
	}
	return &out
}
