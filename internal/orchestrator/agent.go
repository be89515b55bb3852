package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
	"github.com/fyrsmithlabs/regcycle/internal/logging"
	"github.com/fyrsmithlabs/regcycle/internal/toolexec"
)

// AgentHandler runs automated steps of one agent type by calling the
// agent's tool through the execution gateway. The tool receives the cycle
// and step identity; its output becomes the step output.
type AgentHandler struct {
	agentType string
	toolName  string
	executor  toolexec.Executor
}

// NewAgentHandler creates a handler calling toolName for agentType steps.
// An empty toolName defaults to "run_<agentType>".
func NewAgentHandler(agentType, toolName string, executor toolexec.Executor) *AgentHandler {
	if toolName == "" {
		toolName = "run_" + agentType
	}
	return &AgentHandler{
		agentType: agentType,
		toolName:  toolName,
		executor:  executor,
	}
}

// AgentType implements StepHandler.
func (h *AgentHandler) AgentType() string {
	return h.agentType
}

// Execute implements StepHandler.
func (h *AgentHandler) Execute(ctx context.Context, cycle *domain.Cycle, step *domain.WorkflowStep) (map[string]interface{}, error) {
	args := map[string]interface{}{
		"cycle_id":   cycle.ID,
		"report_id":  cycle.ReportID,
		"period_end": cycle.PeriodEnd.Format(time.DateOnly),
		"phase":      string(step.Phase),
		"step_id":    step.ID,
	}
	for _, dep := range step.Dependencies {
		if d, ok := cycle.Step(dep); ok && len(d.Output) > 0 {
			inputs, _ := args["inputs"].(map[string]interface{})
			if inputs == nil {
				inputs = make(map[string]interface{})
				args["inputs"] = inputs
			}
			inputs[dep] = d.Output
		}
	}

	out, err := h.executor.Execute(ctx, toolexec.Request{
		ToolName:      h.toolName,
		Parameters:    args,
		TenantID:      cycle.TenantID,
		CorrelationID: logging.CorrelationIDFromContext(ctx),
	})
	if err != nil {
		// The gateway has already retried transient failures; retrying the
		// step again would multiply calls to a failing backend.
		code := "agent_failed"
		if out != nil && out.ErrorCode != "" {
			code = out.ErrorCode
		}
		return nil, &faults.Error{
			Kind:    faults.KindToolExecution,
			Op:      "orchestrator.agent",
			Message: fmt.Sprintf("agent %s failed on step %s", h.agentType, step.ID),
			Code:    code,
			Err:     err,
		}
	}
	if out == nil || !out.Success {
		return nil, faults.ToolExecution("orchestrator.agent", "agent_failed", fmt.Errorf("agent %s reported failure", h.agentType))
	}
	return out.Data, nil
}
