package http

import (
	"time"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/orchestrator"
	"github.com/fyrsmithlabs/regcycle/internal/resilience"
	"github.com/fyrsmithlabs/regcycle/internal/services"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                              `json:"status"`
	Level     resilience.ServiceLevel             `json:"level"`
	Services  map[string]resilience.ServiceStatus `json:"services"`
	CheckedAt time.Time                           `json:"checked_at"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

// CycleListResponse is the response body for GET /api/v1/cycles.
type CycleListResponse struct {
	Cycles []*domain.Cycle `json:"cycles"`
}

// AttestationRequest is the request body for POST /api/v1/cycles/:id/attestation.
type AttestationRequest struct {
	Role     string `json:"role"`
	Assignee string `json:"assignee,omitempty"`
}

// CheckpointApprovalRequest is the request body for
// POST /api/v1/cycles/:id/checkpoints/:checkpoint/approve.
type CheckpointApprovalRequest struct {
	ApproverID string `json:"approver_id"`
}

// ViolationsResponse is the response body for GET /api/v1/cycles/:id/violations.
type ViolationsResponse struct {
	CanComplete bool                     `json:"can_complete"`
	Violations  []orchestrator.Violation `json:"violations"`
}

// DecisionResponse is the response body for POST /api/v1/decisions and
// POST /api/v1/actions/:id/cancel. Warning is set when the decision was
// recorded but its cycle could not be updated.
type DecisionResponse struct {
	*services.DecisionResult
	Warning string `json:"warning,omitempty"`
}

// CancelRequest is the request body for POST /api/v1/actions/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// EscalateRequest is the request body for POST /api/v1/escalations. Now is
// honoured only when the server allows clock overrides; otherwise the sweep
// runs at the server clock.
type EscalateRequest struct {
	Now time.Time `json:"now,omitempty"`
}
