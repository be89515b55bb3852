package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	httpserver "github.com/fyrsmithlabs/regcycle/internal/http"
	"github.com/fyrsmithlabs/regcycle/internal/humangate"
	"github.com/fyrsmithlabs/regcycle/internal/orchestrator"
	"github.com/fyrsmithlabs/regcycle/internal/services"
	"github.com/fyrsmithlabs/regcycle/internal/store"
	"github.com/fyrsmithlabs/regcycle/internal/toolexec"
)

// newTestDaemon serves the full API from an in-memory engine.
func newTestDaemon(t *testing.T) (*httptest.Server, *services.Engine) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st := store.NewMemory()

	gateway, err := toolexec.NewGateway(toolexec.NewLocalBackend(), toolexec.DefaultConfig(), logger)
	require.NoError(t, err)
	catalog, err := humangate.DefaultCatalog()
	require.NoError(t, err)
	gate, err := humangate.NewService(humangate.DefaultConfig(), catalog, st, gateway, logger)
	require.NoError(t, err)
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), st, logger, orchestrator.WithActionGate(gate))
	require.NoError(t, err)
	engine, err := services.NewEngine(services.Options{Orchestrator: orch, Gate: gate, Logger: logger})
	require.NoError(t, err)

	srv, err := httpserver.NewServer(engine, logger, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, engine
}

// rcctl runs the CLI with args and returns stdout.
func rcctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// pausedCycle starts a cycle whose review step waits on a Data Steward.
func pausedCycle(t *testing.T, engine *services.Engine) *domain.Cycle {
	t.Helper()
	ctx := context.Background()
	cycle, err := engine.StartCycle(ctx, orchestrator.StartCycleRequest{
		TenantID:  "acme",
		ReportID:  "FR-2052a",
		PeriodEnd: time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Steps: []orchestrator.StepPlan{
			{ID: "review", Name: "Review positions", Phase: domain.PhaseDataGathering, IsHumanCheckpoint: true, RequiredRole: "Data Steward"},
		},
	})
	require.NoError(t, err)
	cycle, err = engine.AdvanceStep(ctx, "acme", cycle.ID, "review")
	require.NoError(t, err)
	require.Equal(t, domain.CyclePaused, cycle.Status)
	return cycle
}

func TestHealth(t *testing.T) {
	ts, _ := newTestDaemon(t)

	out, err := rcctl(t, "health", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "Service Level: full")
}

func TestHealth_Unreachable(t *testing.T) {
	_, err := rcctl(t, "health", "--server", "http://127.0.0.1:1", "--timeout", "500ms")
	require.Error(t, err)
}

func TestPendingAndDecide(t *testing.T) {
	ts, engine := newTestDaemon(t)
	cycle := pausedCycle(t, engine)
	step, _ := cycle.Step("review")

	out, err := rcctl(t, "pending", "--server", ts.URL, "--tenant", "acme", "--role", "Data Steward")
	require.NoError(t, err)
	assert.Contains(t, out, step.PendingTaskID)
	assert.Contains(t, out, "Data Steward")

	out, err = rcctl(t, "decide", "--server", ts.URL, "--tenant", "acme",
		"--user", "jdoe", "--role", "Data Steward",
		"--task", step.PendingTaskID,
		"--rationale", "Reconciled against the general ledger")
	require.NoError(t, err)
	assert.Contains(t, out, "Task "+step.PendingTaskID+": completed")
	assert.Contains(t, out, "Cycle "+cycle.ID+": active")

	out, err = rcctl(t, "pending", "--server", ts.URL, "--tenant", "acme", "--role", "Data Steward")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing awaiting a decision.")
}

func TestDecide_Validation(t *testing.T) {
	ts, engine := newTestDaemon(t)
	cycle := pausedCycle(t, engine)
	step, _ := cycle.Step("review")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "missing target",
			args:    []string{"--rationale", "Reconciled against the ledger"},
			wantErr: "exactly one of --task or --action",
		},
		{
			name:    "blank rationale",
			args:    []string{"--task", step.PendingTaskID, "--rationale", "  "},
			wantErr: "status 400",
		},
		{
			name:    "unknown task",
			args:    []string{"--task", "missing", "--rationale", "Reconciled against the ledger"},
			wantErr: "status 404",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"decide", "--server", ts.URL, "--tenant", "acme", "--user", "jdoe", "--role", "Data Steward"}, tt.args...)
			_, err := rcctl(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCycleCommands(t *testing.T) {
	ts, engine := newTestDaemon(t)
	cycle := pausedCycle(t, engine)

	out, err := rcctl(t, "cycle", "get", cycle.ID, "--server", ts.URL, "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "Report:  FR-2052a (period end 2026-03-31)")
	assert.Contains(t, out, "Status:  paused")
	assert.Contains(t, out, "review")

	out, err = rcctl(t, "cycle", "list", "--server", ts.URL, "--tenant", "acme", "--json")
	require.NoError(t, err)
	var list httpserver.CycleListResponse
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Cycles, 1)
	assert.Equal(t, cycle.ID, list.Cycles[0].ID)

	out, err = rcctl(t, "cycle", "violations", cycle.ID, "--server", ts.URL, "--tenant", "acme")
	require.NoError(t, err)
	assert.NotContains(t, out, "Cycle can complete.")
	assert.True(t, strings.Contains(out, "[error]") || strings.Contains(out, "[critical]"), out)

	_, err = rcctl(t, "cycle", "get", "missing", "--server", ts.URL, "--tenant", "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestRequiresTenant(t *testing.T) {
	t.Setenv("REGCYCLE_TENANT", "")
	_, err := rcctl(t, "pending", "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--tenant is required")
}

func TestAPIClient_ErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme", r.Header.Get(httpserver.HeaderTenantID))
		assert.Equal(t, "cfo1", r.Header.Get(httpserver.HeaderUserID))
		assert.Equal(t, "CFO", r.Header.Get(httpserver.HeaderUserRole))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":"action expired","kind":"action_expired"}`))
	}))
	defer ts.Close()

	c := newAPIClient(ts.URL+"/", "acme", "cfo1", "CFO", time.Second)
	err := c.do(context.Background(), http.MethodPost, "/api/v1/decisions", map[string]string{}, nil)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGone, apiErr.Status)
	assert.Equal(t, "action_expired", apiErr.Kind)
}
