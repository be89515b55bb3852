package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
	"github.com/fyrsmithlabs/regcycle/internal/orchestrator"
	"github.com/fyrsmithlabs/regcycle/internal/resilience"
	"github.com/fyrsmithlabs/regcycle/internal/services"
)

// handleHealth reports the aggregated service level. An offline system
// answers 503 so load balancers stop routing to it.
func (s *Server) handleHealth(c echo.Context) error {
	health := s.engine.GetSystemHealth(c.Request().Context())

	status := "ok"
	code := http.StatusOK
	switch health.Level {
	case resilience.LevelPartial, resilience.LevelMinimal:
		status = "degraded"
	case resilience.LevelOffline:
		status = "offline"
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, HealthResponse{
		Status:    status,
		Level:     health.Level,
		Services:  health.Services,
		CheckedAt: health.CheckedAt,
	})
}

func (s *Server) handleStartCycle(c echo.Context) error {
	var req orchestrator.StartCycleRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid start cycle request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TenantID = tenantOf(c)
	if req.StartedBy == "" {
		req.StartedBy = userOf(c)
	}

	cycle, err := s.engine.StartCycle(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, cycle)
}

func (s *Server) handleListCycles(c echo.Context) error {
	cycles, err := s.engine.ListCycles(c.Request().Context(), tenantOf(c))
	if err != nil {
		return s.fail(c, err)
	}
	if cycles == nil {
		cycles = []*domain.Cycle{}
	}
	return c.JSON(http.StatusOK, CycleListResponse{Cycles: cycles})
}

func (s *Server) handleGetCycle(c echo.Context) error {
	cycle, err := s.engine.GetCycle(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, cycle)
}

func (s *Server) handleAdvanceStep(c echo.Context) error {
	cycle, err := s.engine.AdvanceStep(c.Request().Context(), tenantOf(c), c.Param("id"), c.Param("step"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, cycle)
}

func (s *Server) handleAdvancePhase(c echo.Context) error {
	cycle, err := s.engine.AdvancePhase(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, cycle)
}

func (s *Server) handleRequestAttestation(c echo.Context) error {
	var req AttestationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	task, err := s.engine.RequestAttestation(c.Request().Context(), orchestrator.AttestationRequest{
		TenantID: tenantOf(c),
		CycleID:  c.Param("id"),
		Role:     req.Role,
		Assignee: req.Assignee,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

func (s *Server) handleApproveCheckpoint(c echo.Context) error {
	var req CheckpointApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ApproverID == "" {
		req.ApproverID = userOf(c)
	}

	cycle, err := s.engine.ApproveCheckpoint(c.Request().Context(), tenantOf(c), c.Param("id"), c.Param("checkpoint"), req.ApproverID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, cycle)
}

func (s *Server) handleViolations(c echo.Context) error {
	violations, err := s.engine.CompletionViolations(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}

	resp := ViolationsResponse{CanComplete: true, Violations: violations}
	if resp.Violations == nil {
		resp.Violations = []orchestrator.Violation{}
	}
	for _, v := range violations {
		if v.Severity != orchestrator.SeverityWarning {
			resp.CanComplete = false
			break
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCompleteCycle(c echo.Context) error {
	cycle, err := s.engine.CompleteCycle(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, cycle)
}

// handlePendingApprovals lists open tasks and pending actions. The role
// query parameter falls back to the caller's role header.
func (s *Server) handlePendingApprovals(c echo.Context) error {
	role := c.QueryParam("role")
	if role == "" {
		role = roleOf(c)
	}

	pending, err := s.engine.GetPendingApprovals(c.Request().Context(), tenantOf(c), role, c.QueryParam("user_id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, pending)
}

func (s *Server) handleDecision(c echo.Context) error {
	const op = "http.decide"

	var req services.DecisionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid decision request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TenantID = tenantOf(c)

	// The decider is always the caller named by the identity headers. A body
	// naming someone else is refused.
	user, role := userOf(c), roleOf(c)
	if user == "" {
		return s.fail(c, faults.Validation(op, "%s header is required to record a decision", HeaderUserID))
	}
	if req.DecidedBy != "" && req.DecidedBy != user {
		return s.fail(c, faults.Authorization(op, "decided_by %q does not match the calling user", req.DecidedBy))
	}
	if req.DeciderRole != "" && !strings.EqualFold(req.DeciderRole, role) {
		return s.fail(c, faults.Authorization(op, "decider_role %q does not match the calling role", req.DeciderRole))
	}
	req.DecidedBy = user
	req.DeciderRole = role

	res, err := s.engine.RecordHumanDecision(c.Request().Context(), req)
	return s.decisionResponse(c, res, err)
}

func (s *Server) handleRetryAction(c echo.Context) error {
	result, err := s.engine.RetryExecution(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleCancelAction(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.engine.CancelAction(c.Request().Context(), tenantOf(c), c.Param("id"), req.Reason)
	return s.decisionResponse(c, res, err)
}

// decisionResponse answers 202 when the decision stands but its cycle was
// not updated.
func (s *Server) decisionResponse(c echo.Context, res *services.DecisionResult, err error) error {
	if err != nil && res == nil {
		return s.fail(c, err)
	}
	if err != nil {
		return c.JSON(http.StatusAccepted, DecisionResponse{DecisionResult: res, Warning: err.Error()})
	}
	return c.JSON(http.StatusOK, DecisionResponse{DecisionResult: res})
}

func (s *Server) handleEscalate(c echo.Context) error {
	var req EscalateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	// The sweep runs at the server clock unless overrides are enabled.
	var at time.Time
	if s.config.AllowClockOverride {
		at = req.Now
	}
	summary, err := s.engine.EscalateOverdue(c.Request().Context(), tenantOf(c), at)
	if err != nil {
		return s.fail(c, err)
	}
	if summary.Escalated == nil {
		summary.Escalated = []*domain.HumanTask{}
	}
	return c.JSON(http.StatusOK, summary)
}
