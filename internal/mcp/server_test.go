package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/regcycle/internal/humangate"
	"github.com/fyrsmithlabs/regcycle/internal/orchestrator"
	"github.com/fyrsmithlabs/regcycle/internal/resilience"
	"github.com/fyrsmithlabs/regcycle/internal/services"
	"github.com/fyrsmithlabs/regcycle/internal/store"
	"github.com/fyrsmithlabs/regcycle/internal/toolexec"
)

const testTenant = "acme"

// newTestSession builds an engine over in-memory components, serves it over
// an in-memory transport and returns a connected client session.
func newTestSession(t *testing.T) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := store.NewMemory()

	degradation := resilience.NewDegradationManager(logger)
	degradation.SetClock(clock)
	gateway, err := toolexec.NewGateway(toolexec.NewLocalBackend(), toolexec.DefaultConfig(), logger,
		toolexec.WithDegradation(degradation))
	require.NoError(t, err)
	catalog, err := humangate.DefaultCatalog()
	require.NoError(t, err)
	gate, err := humangate.NewService(humangate.DefaultConfig(), catalog, st, gateway, logger, humangate.WithClock(clock))
	require.NoError(t, err)
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), st, logger,
		orchestrator.WithActionGate(gate), orchestrator.WithClock(clock))
	require.NoError(t, err)
	engine, err := services.NewEngine(services.Options{
		Orchestrator: orch,
		Gate:         gate,
		Degradation:  degradation,
		Logger:       logger,
		Now:          clock,
	})
	require.NoError(t, err)

	server, err := NewServer(&Config{Logger: logger}, engine)
	require.NoError(t, err)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-agent", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

// call invokes a tool and decodes its structured output into out. It returns
// the raw result so callers can inspect IsError.
func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]interface{}, out interface{}) *mcp.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		data, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, out))
	}
	return res
}

func errorText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestNewServer_RequiresEngine(t *testing.T) {
	_, err := NewServer(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine is required")
}

func TestServer_ListTools(t *testing.T) {
	session := newTestSession(t)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"start_cycle",
		"get_cycle",
		"list_cycles",
		"advance_step",
		"advance_phase",
		"completion_violations",
		"list_pending_approvals",
		"system_health",
	}, names)
}

func TestServer_CycleTools(t *testing.T) {
	session := newTestSession(t)

	var cycle cycleOutput
	res := call(t, session, "start_cycle", map[string]interface{}{
		"tenant_id":  testTenant,
		"report_id":  "FR-2052a",
		"period_end": "2026-03-31",
		"steps": []map[string]interface{}{
			{"id": "review", "name": "Review data", "phase": "data_gathering", "is_human_checkpoint": true, "required_role": "Data Steward"},
			{"id": "submit", "name": "Submit", "phase": "data_gathering", "tool_name": "submit_report", "dependencies": []string{"review"}},
		},
	}, &cycle)
	require.False(t, res.IsError, errorText(res))
	require.NotEmpty(t, cycle.ID)
	assert.Equal(t, "2026-03-31", cycle.PeriodEnd)
	assert.Len(t, cycle.Steps, 2)

	var list listCyclesOutput
	res = call(t, session, "list_cycles", map[string]interface{}{"tenant_id": testTenant}, &list)
	require.False(t, res.IsError, errorText(res))
	assert.Equal(t, 1, list.Count)

	res = call(t, session, "advance_step", map[string]interface{}{
		"tenant_id": testTenant,
		"cycle_id":  cycle.ID,
		"step_id":   "review",
	}, &cycle)
	require.False(t, res.IsError, errorText(res))
	assert.Equal(t, "paused", cycle.Status)
	assert.NotEmpty(t, cycle.Steps[0].PendingTaskID)

	var pending pendingApprovalsOutput
	res = call(t, session, "list_pending_approvals", map[string]interface{}{
		"tenant_id": testTenant,
		"role":      "Data Steward",
	}, &pending)
	require.False(t, res.IsError, errorText(res))
	require.Len(t, pending.Tasks, 1)
	assert.Equal(t, cycle.Steps[0].PendingTaskID, pending.Tasks[0].ID)
	assert.Empty(t, pending.Actions)

	var violations violationsOutput
	res = call(t, session, "completion_violations", map[string]interface{}{
		"tenant_id": testTenant,
		"cycle_id":  cycle.ID,
	}, &violations)
	require.False(t, res.IsError, errorText(res))
	assert.False(t, violations.CanComplete)
	assert.NotEmpty(t, violations.Violations)
}

func TestServer_DependencyBlocksAdvance(t *testing.T) {
	session := newTestSession(t)

	var cycle cycleOutput
	res := call(t, session, "start_cycle", map[string]interface{}{
		"tenant_id":  testTenant,
		"report_id":  "FR-Y9C",
		"period_end": "2026-03-31T00:00:00Z",
		"steps": []map[string]interface{}{
			{"id": "review", "name": "Review", "phase": "data_gathering", "is_human_checkpoint": true, "required_role": "Data Steward"},
			{"id": "submit", "name": "Submit", "phase": "data_gathering", "tool_name": "submit_report", "dependencies": []string{"review"}},
		},
	}, &cycle)
	require.False(t, res.IsError, errorText(res))

	res = call(t, session, "advance_step", map[string]interface{}{
		"tenant_id": testTenant,
		"cycle_id":  cycle.ID,
		"step_id":   "submit",
	}, nil)
	assert.True(t, res.IsError)
	assert.Contains(t, errorText(res), "dependency_not_satisfied")
}

func TestServer_ToolErrors(t *testing.T) {
	session := newTestSession(t)

	tests := []struct {
		name    string
		tool    string
		args    map[string]interface{}
		wantErr string
	}{
		{
			name:    "unknown cycle",
			tool:    "get_cycle",
			args:    map[string]interface{}{"tenant_id": testTenant, "cycle_id": "missing"},
			wantErr: "not_found",
		},
		{
			name:    "invalid tenant",
			tool:    "list_cycles",
			args:    map[string]interface{}{"tenant_id": "../etc"},
			wantErr: "invalid tenant_id",
		},
		{
			name: "bad period end",
			tool: "start_cycle",
			args: map[string]interface{}{
				"tenant_id":  testTenant,
				"report_id":  "FR-2052a",
				"period_end": "end of March",
				"steps":      []map[string]interface{}{{"id": "a", "name": "A", "phase": "data_gathering"}},
			},
			wantErr: "period_end",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, session, tt.tool, tt.args, nil)
			require.True(t, res.IsError)
			assert.Contains(t, errorText(res), tt.wantErr)
		})
	}
}

func TestServer_SystemHealth(t *testing.T) {
	session := newTestSession(t)

	var health systemHealthOutput
	res := call(t, session, "system_health", map[string]interface{}{}, &health)
	require.False(t, res.IsError, errorText(res))
	assert.Equal(t, string(resilience.LevelFull), health.Level)
}
