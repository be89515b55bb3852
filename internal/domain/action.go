package domain

import "time"

// ActionStatus is the state of a human gate action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExpired  ActionStatus = "expired"
)

// ActionType is the closed set of critical automated actions.
type ActionType string

const (
	ActionUpdateRule        ActionType = "update_rule"
	ActionDeleteRule        ActionType = "delete_rule"
	ActionApproveCatalog    ActionType = "approve_catalog"
	ActionSubmitReport      ActionType = "submit_report"
	ActionCompleteCycle     ActionType = "complete_cycle"
	ActionModifyLineage     ActionType = "modify_lineage"
	ActionResolveIssue      ActionType = "resolve_issue"
	ActionOverrideThreshold ActionType = "override_threshold"
)

// HumanGateAction is a pending request for human approval of one specific
// automated action.
type HumanGateAction struct {
	ID                string                 `json:"id"`
	ActionType        ActionType             `json:"action_type"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description"`
	ImpactDescription string                 `json:"impact_description"`
	RequiredRole      string                 `json:"required_role"`
	EntityType        string                 `json:"entity_type"`
	EntityID          string                 `json:"entity_id"`
	ProposedChanges   map[string]interface{} `json:"proposed_changes,omitempty"`
	AIRationale       string                 `json:"ai_rationale,omitempty"`
	ToolName          string                 `json:"tool_name"`
	ToolParameters    map[string]interface{} `json:"tool_parameters,omitempty"`
	SessionID         string                 `json:"session_id,omitempty"`
	RequestedBy       string                 `json:"requested_by,omitempty"`
	TenantID          string                 `json:"tenant_id"`
	CycleID           string                 `json:"cycle_id,omitempty"`
	StepID            string                 `json:"step_id,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	ExpiresAt         time.Time              `json:"expires_at"`
	Status            ActionStatus           `json:"status"`
}

// Expired reports whether the action is past its expiry at now.
func (a *HumanGateAction) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Clone returns a copy of the action.
func (a *HumanGateAction) Clone() *HumanGateAction {
	if a == nil {
		return nil
	}
	out := *a
	out.ProposedChanges = copyMap(a.ProposedChanges)
	out.ToolParameters = copyMap(a.ToolParameters)
	return &out
}

// ToolOutcome is the result of executing a tool on behalf of a decision.
type ToolOutcome struct {
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ErrorCode  string                 `json:"error_code,omitempty"`
	Retryable  bool                   `json:"retryable"`
	Attempts   int                    `json:"attempts"`
	Duration   time.Duration          `json:"duration"`
	ExecutedAt time.Time              `json:"executed_at"`
}

// HumanGateResult is the archived resolution of a human gate action.
type HumanGateResult struct {
	ActionID   string           `json:"action_id"`
	TenantID   string           `json:"tenant_id"`
	Action     *HumanGateAction `json:"action"`
	Status     ActionStatus     `json:"status"`
	Decision   Outcome          `json:"decision,omitempty"`
	Rationale  string           `json:"rationale,omitempty"`
	DecidedBy  string           `json:"decided_by,omitempty"`
	DecidedAt  time.Time        `json:"decided_at"`
	Signature  string           `json:"signature,omitempty"`
	ToolResult *ToolOutcome     `json:"tool_result,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *HumanGateResult) Clone() *HumanGateResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Action = r.Action.Clone()
	if r.ToolResult != nil {
		tr := *r.ToolResult
		tr.Data = copyMap(r.ToolResult.Data)
		out.ToolResult = &tr
	}
	return &out
}
