package domain

import "time"

// IssueSeverity is the severity of a compliance issue.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityHigh     IssueSeverity = "high"
	SeverityMedium   IssueSeverity = "medium"
	SeverityLow      IssueSeverity = "low"
)

// IssueStatus is the state of a compliance issue.
type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueInProgress IssueStatus = "in_progress"
	IssueResolved   IssueStatus = "resolved"
	IssueClosed     IssueStatus = "closed"
)

// Unresolved reports whether the issue still blocks work.
func (s IssueStatus) Unresolved() bool {
	return s == IssueOpen || s == IssueInProgress
}

// Issue is a compliance issue linked to a report. The core only reads issues.
type Issue struct {
	ID       string        `json:"id"`
	TenantID string        `json:"tenant_id"`
	ReportID string        `json:"report_id"`
	Title    string        `json:"title"`
	Severity IssueSeverity `json:"severity"`
	Status   IssueStatus   `json:"status"`
}

// EpisodeKind names the kind of an audit episode.
type EpisodeKind string

const (
	EpisodeCycleStarted      EpisodeKind = "cycle_started"
	EpisodeStepAdvanced      EpisodeKind = "step_advanced"
	EpisodeStepCompleted     EpisodeKind = "step_completed"
	EpisodeStepFailed        EpisodeKind = "step_failed"
	EpisodeCyclePaused       EpisodeKind = "cycle_paused"
	EpisodeCycleResumed      EpisodeKind = "cycle_resumed"
	EpisodeCycleCompleted    EpisodeKind = "cycle_completed"
	EpisodeCycleFailed       EpisodeKind = "cycle_failed"
	EpisodePhaseAdvanced     EpisodeKind = "phase_advanced"
	EpisodeTaskCreated       EpisodeKind = "task_created"
	EpisodeTaskDecided       EpisodeKind = "task_decided"
	EpisodeTaskEscalated     EpisodeKind = "task_escalated"
	EpisodeActionRequested   EpisodeKind = "action_requested"
	EpisodeActionDecided     EpisodeKind = "action_decided"
	EpisodeActionExpired     EpisodeKind = "action_expired"
	EpisodeActionCancelled   EpisodeKind = "action_cancelled"
	EpisodeToolExecuted      EpisodeKind = "tool_executed"
	EpisodeServiceDegraded   EpisodeKind = "service_degraded"
	EpisodeCheckpointSigned  EpisodeKind = "checkpoint_signed"
	EpisodeCompletionBlocked EpisodeKind = "completion_blocked"
)

// AuditEpisode is a structured, append-only audit record.
type AuditEpisode struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenant_id"`
	UserID        string                 `json:"user_id,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Kind          EpisodeKind            `json:"kind"`
	SubjectType   string                 `json:"subject_type"`
	SubjectID     string                 `json:"subject_id"`
	Outcome       string                 `json:"outcome,omitempty"`
	Rationale     string                 `json:"rationale,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}
