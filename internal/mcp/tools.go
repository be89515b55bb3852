package mcp

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
	"github.com/fyrsmithlabs/regcycle/internal/logging"
	"github.com/fyrsmithlabs/regcycle/internal/orchestrator"
)

// withTenantContext validates the tenant and attaches it to ctx so engine
// logs carry it. Fails closed on an invalid ID.
func withTenantContext(ctx context.Context, tenantID string) (context.Context, error) {
	if err := logging.ValidateID(tenantID, "tenant_id"); err != nil {
		return ctx, faults.Validation("mcp.tenant", "invalid tenant_id: %v", err)
	}
	return logging.WithTenantID(ctx, tenantID), nil
}

// track records metrics for one tool call. Use as
// defer s.track(ctx, name)(&err).
func (s *Server) track(ctx context.Context, tool string) func(*error) {
	done := s.metrics.start(ctx, tool)
	return func(errp *error) {
		err := *errp
		done(err)
		if err != nil {
			s.logger.Debug("tool call failed",
				append(logging.ContextFields(ctx),
					zap.String("tool", tool),
					zap.String("kind", string(faults.KindOf(err))),
					zap.Error(err))...)
		}
	}
}

func textResult(format string, args ...interface{}) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.registerCycleTools()
	s.registerApprovalTools()
	s.registerHealthTools()
}

// ===== CYCLE TOOLS =====

type stepInput struct {
	ID                string                 `json:"id" jsonschema:"required,Step identifier unique within the cycle"`
	Name              string                 `json:"name" jsonschema:"required,Human-readable step name"`
	Phase             string                 `json:"phase" jsonschema:"required,Phase (data_gathering validation review approval submission)"`
	AgentType         string                 `json:"agent_type,omitempty" jsonschema:"Agent that executes an automated step"`
	IsHumanCheckpoint bool                   `json:"is_human_checkpoint,omitempty" jsonschema:"True if the step waits for a human decision"`
	RequiredRole      string                 `json:"required_role,omitempty" jsonschema:"Role that must decide the step"`
	TaskType          string                 `json:"task_type,omitempty" jsonschema:"Kind of human task to create"`
	ToolName          string                 `json:"tool_name,omitempty" jsonschema:"Critical tool gated behind human approval"`
	ToolParameters    map[string]interface{} `json:"tool_parameters,omitempty" jsonschema:"Parameters passed to the tool"`
	Dependencies      []string               `json:"dependencies,omitempty" jsonschema:"Step IDs that must complete first"`
	OnReject          string                 `json:"on_reject,omitempty" jsonschema:"Rejection policy (fail retry skip)"`
}

type checkpointInput struct {
	ID                string   `json:"id" jsonschema:"required,Checkpoint identifier"`
	Name              string   `json:"name" jsonschema:"Checkpoint name"`
	Phase             string   `json:"phase" jsonschema:"required,Phase the checkpoint closes"`
	RequiredApprovers []string `json:"required_approvers" jsonschema:"required,Approver IDs that must sign"`
}

type startCycleInput struct {
	TenantID    string            `json:"tenant_id" jsonschema:"required,Tenant identifier"`
	ReportID    string            `json:"report_id" jsonschema:"required,Regulatory report identifier"`
	PeriodEnd   string            `json:"period_end" jsonschema:"required,Reporting period end (YYYY-MM-DD or RFC3339)"`
	StartedBy   string            `json:"started_by,omitempty" jsonschema:"Who started the cycle"`
	Steps       []stepInput       `json:"steps" jsonschema:"required,Workflow steps in plan order"`
	Checkpoints []checkpointInput `json:"checkpoints,omitempty" jsonschema:"Phase sign-off checkpoints"`
}

type cycleRefInput struct {
	TenantID string `json:"tenant_id" jsonschema:"required,Tenant identifier"`
	CycleID  string `json:"cycle_id" jsonschema:"required,Cycle identifier"`
}

type advanceStepInput struct {
	TenantID string `json:"tenant_id" jsonschema:"required,Tenant identifier"`
	CycleID  string `json:"cycle_id" jsonschema:"required,Cycle identifier"`
	StepID   string `json:"step_id" jsonschema:"required,Step to advance"`
}

type listCyclesInput struct {
	TenantID string `json:"tenant_id" jsonschema:"required,Tenant identifier"`
}

type stepOutput struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Phase           string `json:"phase"`
	Status          string `json:"status"`
	PendingTaskID   string `json:"pending_task_id,omitempty"`
	PendingActionID string `json:"pending_action_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

type checkpointOutput struct {
	ID      string   `json:"id"`
	Phase   string   `json:"phase"`
	Status  string   `json:"status"`
	Missing []string `json:"missing,omitempty" jsonschema:"Approvers that have not signed yet"`
}

type cycleOutput struct {
	ID           string             `json:"id" jsonschema:"Cycle ID"`
	ReportID     string             `json:"report_id"`
	PeriodEnd    string             `json:"period_end"`
	Status       string             `json:"status"`
	CurrentPhase string             `json:"current_phase"`
	PauseReason  string             `json:"pause_reason,omitempty"`
	Steps        []stepOutput       `json:"steps"`
	Checkpoints  []checkpointOutput `json:"checkpoints,omitempty"`
}

type cycleSummary struct {
	ID           string `json:"id"`
	ReportID     string `json:"report_id"`
	Status       string `json:"status"`
	CurrentPhase string `json:"current_phase"`
}

type listCyclesOutput struct {
	Cycles []cycleSummary `json:"cycles"`
	Count  int            `json:"count"`
}

type violationOutput struct {
	Type        string `json:"type"`
	Gate        string `json:"gate"`
	SubjectID   string `json:"subject_id,omitempty"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type violationsOutput struct {
	CanComplete bool              `json:"can_complete" jsonschema:"True when no blocking violation remains"`
	Violations  []violationOutput `json:"violations"`
}

func toCycleOutput(c *domain.Cycle) cycleOutput {
	out := cycleOutput{
		ID:           c.ID,
		ReportID:     c.ReportID,
		PeriodEnd:    c.PeriodEnd.Format("2006-01-02"),
		Status:       string(c.Status),
		CurrentPhase: string(c.CurrentPhase),
		PauseReason:  c.PauseReason,
		Steps:        make([]stepOutput, 0, len(c.Steps)),
	}
	for _, st := range c.Steps {
		out.Steps = append(out.Steps, stepOutput{
			ID:              st.ID,
			Name:            st.Name,
			Phase:           string(st.Phase),
			Status:          string(st.Status),
			PendingTaskID:   st.PendingTaskID,
			PendingActionID: st.PendingActionID,
			Error:           st.Error,
		})
	}
	for _, cp := range c.Checkpoints {
		out.Checkpoints = append(out.Checkpoints, checkpointOutput{
			ID:      cp.ID,
			Phase:   string(cp.Phase),
			Status:  string(cp.Status),
			Missing: missingApprovers(cp),
		})
	}
	return out
}

func missingApprovers(cp *domain.Checkpoint) []string {
	signed := make(map[string]bool, len(cp.CompletedApprovers))
	for _, a := range cp.CompletedApprovers {
		signed[a] = true
	}
	var missing []string
	for _, a := range cp.RequiredApprovers {
		if !signed[a] {
			missing = append(missing, a)
		}
	}
	return missing
}

// parsePeriodEnd accepts a calendar date or a full RFC3339 timestamp.
func parsePeriodEnd(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, faults.Validation("mcp.start_cycle", "period_end %q is neither YYYY-MM-DD nor RFC3339", s)
	}
	return t, nil
}

func (in startCycleInput) toRequest() (orchestrator.StartCycleRequest, error) {
	periodEnd, err := parsePeriodEnd(in.PeriodEnd)
	if err != nil {
		return orchestrator.StartCycleRequest{}, err
	}
	req := orchestrator.StartCycleRequest{
		TenantID:  in.TenantID,
		ReportID:  in.ReportID,
		PeriodEnd: periodEnd,
		StartedBy: in.StartedBy,
	}
	for _, st := range in.Steps {
		req.Steps = append(req.Steps, orchestrator.StepPlan{
			ID:                st.ID,
			Name:              st.Name,
			Phase:             domain.Phase(st.Phase),
			AgentType:         st.AgentType,
			IsHumanCheckpoint: st.IsHumanCheckpoint,
			RequiredRole:      st.RequiredRole,
			TaskType:          domain.TaskType(st.TaskType),
			ToolName:          st.ToolName,
			ToolParameters:    st.ToolParameters,
			Dependencies:      st.Dependencies,
			OnReject:          domain.RejectPolicy(st.OnReject),
		})
	}
	for _, cp := range in.Checkpoints {
		req.Checkpoints = append(req.Checkpoints, orchestrator.CheckpointPlan{
			ID:                cp.ID,
			Name:              cp.Name,
			Phase:             domain.Phase(cp.Phase),
			RequiredApprovers: cp.RequiredApprovers,
		})
	}
	return req, nil
}

func (s *Server) registerCycleTools() {
	// start_cycle
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "start_cycle",
		Description: "Start a regulatory reporting cycle from a step plan",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args startCycleInput) (_ *mcp.CallToolResult, _ cycleOutput, err error) {
		defer s.track(ctx, "start_cycle")(&err)

		ctx, err = withTenantContext(ctx, args.TenantID)
		if err != nil {
			return nil, cycleOutput{}, err
		}
		startReq, err := args.toRequest()
		if err != nil {
			return nil, cycleOutput{}, err
		}
		cycle, err := s.engine.StartCycle(ctx, startReq)
		if err != nil {
			return nil, cycleOutput{}, err
		}
		return textResult("Cycle started: %s (%d steps)", cycle.ID, len(cycle.Steps)), toCycleOutput(cycle), nil
	})

	// get_cycle
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_cycle",
		Description: "Get the current state of a cycle",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args cycleRefInput) (_ *mcp.CallToolResult, _ cycleOutput, err error) {
		defer s.track(ctx, "get_cycle")(&err)

		ctx, err = withTenantContext(ctx, args.TenantID)
		if err != nil {
			return nil, cycleOutput{}, err
		}
		cycle, err := s.engine.GetCycle(ctx, args.TenantID, args.CycleID)
		if err != nil {
			return nil, cycleOutput{}, err
		}
		return textResult("Cycle %s is %s in phase %s", cycle.ID, cycle.Status, cycle.CurrentPhase), toCycleOutput(cycle), nil
	})

	// list_cycles
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_cycles",
		Description: "List the cycles of a tenant",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listCyclesInput) (_ *mcp.CallToolResult, _ listCyclesOutput, err error) {
		defer s.track(ctx, "list_cycles")(&err)

		ctx, err = withTenantContext(ctx, args.TenantID)
		if err != nil {
			return nil, listCyclesOutput{}, err
		}
		cycles, err := s.engine.ListCycles(ctx, args.TenantID)
		if err != nil {
			return nil, listCyclesOutput{}, err
		}
		out := listCyclesOutput{Cycles: make([]cycleSummary, 0, len(cycles)), Count: len(cycles)}
		for _, c := range cycles {
			out.Cycles = append(out.Cycles, cycleSummary{
				ID:           c.ID,
				ReportID:     c.ReportID,
				Status:       string(c.Status),
				CurrentPhase: string(c.CurrentPhase),
			})
		}
		return textResult("Found %d cycles", out.Count), out, nil
	})

	// advance_step
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "advance_step",
		Description: "Advance a step: run an automated step, or open the human task or gated action it waits on",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args advanceStepInput) (_ *mcp.CallToolResult, _ cycleOutput, err error) {
		defer s.track(ctx, "advance_step")(&err)

		ctx, err = withTenantContext(ctx, args.TenantID)
		if err != nil {
			return nil, cycleOutput{}, err
		}
		cycle, err := s.engine.AdvanceStep(ctx, args.TenantID, args.CycleID, args.StepID)
		if err != nil {
			return nil, cycleOutput{}, err
		}
		out := toCycleOutput(cycle)
		status := ""
		for _, st := range out.Steps {
			if st.ID == args.StepID {
				status = st.Status
			}
		}
		return textResult("Step %s is %s", args.StepID, status), out, nil
	})

	// advance_phase
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "advance_phase",
		Description: "Move a cycle to its next phase once the current phase is closed",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args cycleRefInput) (_ *mcp.CallToolResult, _ cycleOutput, err error) {
		defer s.track(ctx, "advance_phase")(&err)

		ctx, err = withTenantContext(ctx, args.TenantID)
		if err != nil {
			return nil, cycleOutput{}, err
		}
		cycle, err := s.engine.AdvancePhase(ctx, args.TenantID, args.CycleID)
		if err != nil {
			return nil, cycleOutput{}, err
		}
		return textResult("Cycle %s entered phase %s", cycle.ID, cycle.CurrentPhase), toCycleOutput(cycle), nil
	})

	// completion_violations
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "completion_violations",
		Description: "List what still blocks a cycle from completing",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args cycleRefInput) (_ *mcp.CallToolResult, _ violationsOutput, err error) {
		defer s.track(ctx, "completion_violations")(&err)

		ctx, err = withTenantContext(ctx, args.TenantID)
		if err != nil {
			return nil, violationsOutput{}, err
		}
		violations, err := s.engine.CompletionViolations(ctx, args.TenantID, args.CycleID)
		if err != nil {
			return nil, violationsOutput{}, err
		}
		out := violationsOutput{CanComplete: true, Violations: make([]violationOutput, 0, len(violations))}
		for _, v := range violations {
			if v.Severity != orchestrator.SeverityWarning {
				out.CanComplete = false
			}
			out.Violations = append(out.Violations, violationOutput{
				Type:        string(v.Type),
				Gate:        v.Gate,
				SubjectID:   v.SubjectID,
				Description: v.Description,
				Severity:    string(v.Severity),
			})
		}
		if out.CanComplete {
			return textResult("Cycle %s can complete", args.CycleID), out, nil
		}
		return textResult("Cycle %s has %d violations", args.CycleID, len(out.Violations)), out, nil
	})
}

// ===== APPROVAL TOOLS =====

type pendingApprovalsInput struct {
	TenantID string `json:"tenant_id" jsonschema:"required,Tenant identifier"`
	Role     string `json:"role,omitempty" jsonschema:"Only items this role may decide"`
	UserID   string `json:"user_id,omitempty" jsonschema:"Only items assigned to this user"`
}

type taskOutput struct {
	ID              string `json:"id"`
	CycleID         string `json:"cycle_id"`
	StepID          string `json:"step_id,omitempty"`
	Type            string `json:"type"`
	Title           string `json:"title"`
	AssigneeRole    string `json:"assignee_role"`
	DueDate         string `json:"due_date"`
	EscalationLevel int    `json:"escalation_level"`
}

type actionOutput struct {
	ID           string `json:"id"`
	ActionType   string `json:"action_type"`
	Title        string `json:"title"`
	RequiredRole string `json:"required_role"`
	CycleID      string `json:"cycle_id,omitempty"`
	ExpiresAt    string `json:"expires_at"`
}

type pendingApprovalsOutput struct {
	Tasks   []taskOutput   `json:"tasks"`
	Actions []actionOutput `json:"actions"`
}

func (s *Server) registerApprovalTools() {
	// list_pending_approvals
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_pending_approvals",
		Description: "List human tasks and gated actions awaiting a decision",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args pendingApprovalsInput) (_ *mcp.CallToolResult, _ pendingApprovalsOutput, err error) {
		defer s.track(ctx, "list_pending_approvals")(&err)

		ctx, err = withTenantContext(ctx, args.TenantID)
		if err != nil {
			return nil, pendingApprovalsOutput{}, err
		}
		pending, err := s.engine.GetPendingApprovals(ctx, args.TenantID, args.Role, args.UserID)
		if err != nil {
			return nil, pendingApprovalsOutput{}, err
		}
		out := pendingApprovalsOutput{
			Tasks:   make([]taskOutput, 0, len(pending.Tasks)),
			Actions: make([]actionOutput, 0, len(pending.Actions)),
		}
		for _, t := range pending.Tasks {
			out.Tasks = append(out.Tasks, taskOutput{
				ID:              t.ID,
				CycleID:         t.CycleID,
				StepID:          t.StepID,
				Type:            string(t.Type),
				Title:           t.Title,
				AssigneeRole:    t.AssigneeRole,
				DueDate:         t.DueDate.Format(time.RFC3339),
				EscalationLevel: t.EscalationLevel,
			})
		}
		for _, a := range pending.Actions {
			out.Actions = append(out.Actions, actionOutput{
				ID:           a.ID,
				ActionType:   string(a.ActionType),
				Title:        a.Title,
				RequiredRole: a.RequiredRole,
				CycleID:      a.CycleID,
				ExpiresAt:    a.ExpiresAt.Format(time.RFC3339),
			})
		}
		return textResult("%d tasks and %d actions awaiting decision", len(out.Tasks), len(out.Actions)), out, nil
	})
}

// ===== HEALTH TOOLS =====

type systemHealthInput struct{}

type serviceHealthOutput struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Level     string `json:"level"`
	LastError string `json:"last_error,omitempty"`
}

type systemHealthOutput struct {
	Level    string                `json:"level" jsonschema:"Overall service level (full partial minimal offline)"`
	Services []serviceHealthOutput `json:"services"`
}

func (s *Server) registerHealthTools() {
	// system_health
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "system_health",
		Description: "Report the degradation level of regcycled and its dependencies",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args systemHealthInput) (_ *mcp.CallToolResult, _ systemHealthOutput, err error) {
		defer s.track(ctx, "system_health")(&err)

		health := s.engine.GetSystemHealth(ctx)
		out := systemHealthOutput{Level: string(health.Level), Services: make([]serviceHealthOutput, 0, len(health.Services))}
		for name, st := range health.Services {
			out.Services = append(out.Services, serviceHealthOutput{
				Name:      name,
				Available: st.Available,
				Level:     string(st.Level),
				LastError: st.LastError,
			})
		}
		sort.Slice(out.Services, func(i, j int) bool { return out.Services[i].Name < out.Services[j].Name })
		return textResult("System level: %s", out.Level), out, nil
	})
}
