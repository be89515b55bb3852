package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
	"github.com/fyrsmithlabs/regcycle/internal/humangate"
	"github.com/fyrsmithlabs/regcycle/internal/orchestrator"
	"github.com/fyrsmithlabs/regcycle/internal/store"
	"github.com/fyrsmithlabs/regcycle/internal/toolexec"
)

func tenantIs(id string) interface{} {
	return mock.MatchedBy(func(in SweepTenantInput) bool { return in.TenantID == id })
}

// TestEscalationSweepWorkflow tests the sweep workflow with mocked activities.
func TestEscalationSweepWorkflow(t *testing.T) {
	t.Run("aggregates tenants across rounds", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		var acts *SweepActivities
		env.RegisterWorkflow(EscalationSweepWorkflow)
		env.RegisterActivity(acts)

		env.OnActivity(acts.SweepTenantActivity, mock.Anything, tenantIs("acme")).
			Return(&SweepTenantResult{Escalated: 1, Expired: 2}, nil)
		env.OnActivity(acts.SweepTenantActivity, mock.Anything, tenantIs("initech")).
			Return(&SweepTenantResult{Expired: 1, Errors: []string{"failed to expire actions for tenant initech: store down"}}, nil)

		env.ExecuteWorkflow(EscalationSweepWorkflow, SweepConfig{
			TenantIDs: []string{"acme", "initech"},
			Interval:  time.Hour,
			Rounds:    2,
		})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result SweepResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 2, result.Rounds)
		assert.Equal(t, 2, result.Escalated)
		assert.Equal(t, 6, result.Expired)
		assert.Len(t, result.Errors, 2)
	})

	t.Run("records failing tenant and continues", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		var acts *SweepActivities
		env.RegisterWorkflow(EscalationSweepWorkflow)
		env.RegisterActivity(acts)

		env.OnActivity(acts.SweepTenantActivity, mock.Anything, tenantIs("acme")).
			Return(nil, errors.New("store unavailable"))
		env.OnActivity(acts.SweepTenantActivity, mock.Anything, tenantIs("globex")).
			Return(&SweepTenantResult{Escalated: 3}, nil)

		env.ExecuteWorkflow(EscalationSweepWorkflow, SweepConfig{
			TenantIDs: []string{"acme", "globex"},
			Rounds:    1,
		})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result SweepResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 3, result.Escalated)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "failed to sweep tenant acme")
	})

	t.Run("rejects empty tenant list", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(EscalationSweepWorkflow)

		env.ExecuteWorkflow(EscalationSweepWorkflow, SweepConfig{Rounds: 1})

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		assert.Contains(t, env.GetWorkflowError().Error(), "no tenants to sweep")
	})

	t.Run("continues as new when unbounded", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		var acts *SweepActivities
		env.RegisterWorkflow(EscalationSweepWorkflow)
		env.RegisterActivity(acts)
		env.OnActivity(acts.SweepTenantActivity, mock.Anything, mock.Anything).
			Return(&SweepTenantResult{}, nil)

		env.ExecuteWorkflow(EscalationSweepWorkflow, SweepConfig{
			TenantIDs: []string{"acme"},
			Interval:  time.Minute,
		})

		require.True(t, env.IsWorkflowCompleted())
		var canErr *workflow.ContinueAsNewError
		assert.True(t, errors.As(env.GetWorkflowError(), &canErr))
	})
}

type fakeEscalator struct {
	tasks []*domain.HumanTask
	err   error
	now   time.Time
}

func (f *fakeEscalator) EscalateOverdue(ctx context.Context, tenantID string, now time.Time) ([]*domain.HumanTask, error) {
	f.now = now
	return f.tasks, f.err
}

type fakeExpirer struct {
	n   int
	err error
}

func (f *fakeExpirer) ExpireOverdue(ctx context.Context, tenantID string) (int, error) {
	return f.n, f.err
}

func runSweepActivity(t *testing.T, acts *SweepActivities, input SweepTenantInput) (*SweepTenantResult, error) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.SweepTenantActivity, input)
	if err != nil {
		return nil, err
	}
	var out SweepTenantResult
	require.NoError(t, val.Get(&out))
	return &out, nil
}

func TestSweepTenantActivity(t *testing.T) {
	now := time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)

	t.Run("escalates and expires", func(t *testing.T) {
		esc := &fakeEscalator{tasks: []*domain.HumanTask{{ID: "t1"}, {ID: "t2"}}}
		acts := &SweepActivities{Escalator: esc, Expirer: &fakeExpirer{n: 4}, Logger: zaptest.NewLogger(t)}

		out, err := runSweepActivity(t, acts, SweepTenantInput{TenantID: "acme", Now: now})

		require.NoError(t, err)
		assert.Equal(t, 2, out.Escalated)
		assert.Equal(t, []string{"t1", "t2"}, out.EscalatedIDs)
		assert.Equal(t, 4, out.Expired)
		assert.Empty(t, out.Errors)
		assert.True(t, esc.now.Equal(now))
	})

	t.Run("expiry failure is recorded", func(t *testing.T) {
		acts := &SweepActivities{
			Escalator: &fakeEscalator{tasks: []*domain.HumanTask{{ID: "t1"}}},
			Expirer:   &fakeExpirer{err: errors.New("store down")},
		}

		out, err := runSweepActivity(t, acts, SweepTenantInput{TenantID: "acme", Now: now})

		require.NoError(t, err)
		assert.Equal(t, 1, out.Escalated)
		require.Len(t, out.Errors, 1)
		assert.Equal(t, "sweep tenant acme: expire: store down", out.Errors[0])
	})

	t.Run("escalation failure fails the activity", func(t *testing.T) {
		acts := &SweepActivities{Escalator: &fakeEscalator{err: errors.New("store down")}}

		_, err := runSweepActivity(t, acts, SweepTenantInput{TenantID: "acme", Now: now})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "sweep tenant acme: escalate")
		var appErr *temporal.ApplicationError
		if errors.As(err, &appErr) {
			assert.False(t, appErr.NonRetryable())
		}
	})

	t.Run("non-transient engine error is not retried", func(t *testing.T) {
		acts := &SweepActivities{Escalator: &fakeEscalator{err: faults.Validation("orchestrator.escalate", "unknown tenant")}}

		_, err := runSweepActivity(t, acts, SweepTenantInput{TenantID: "acme", Now: now})

		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.True(t, appErr.NonRetryable())
		assert.Equal(t, string(faults.KindValidation), appErr.Type())
	})

	t.Run("requires tenant", func(t *testing.T) {
		_, err := runSweepActivity(t, &SweepActivities{}, SweepTenantInput{})
		require.Error(t, err)
	})
}

func TestSweepTenantActivity_WithOrchestratorAndGate(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := start
	now := func() time.Time { return clock }
	logger := zaptest.NewLogger(t)
	st := store.NewMemory()

	orch, err := orchestrator.New(orchestrator.DefaultConfig(), st, logger, orchestrator.WithClock(now))
	require.NoError(t, err)
	c, err := orch.StartCycle(ctx, orchestrator.StartCycleRequest{
		TenantID: "acme",
		ReportID: "FR-2052a",
		Steps:    []orchestrator.StepPlan{{ID: "review", IsHumanCheckpoint: true, RequiredRole: "Data Steward"}},
	})
	require.NoError(t, err)
	_, err = orch.Advance(ctx, "acme", c.ID, "review")
	require.NoError(t, err)

	gateway, err := toolexec.NewGateway(toolexec.NewLocalBackend(), toolexec.DefaultConfig(), logger)
	require.NoError(t, err)
	catalog, err := humangate.DefaultCatalog()
	require.NoError(t, err)
	gate, err := humangate.NewService(humangate.DefaultConfig(), catalog, st, gateway, logger, humangate.WithClock(now))
	require.NoError(t, err)
	a, err := gate.CreateAction("delete_rule", map[string]interface{}{"rule_id": "R-9"}, humangate.ActionContext{TenantID: "acme"})
	require.NoError(t, err)
	require.NoError(t, gate.RequestApproval(ctx, a))

	clock = start.Add(80 * time.Hour)
	out, err := runSweepActivity(t, &SweepActivities{Escalator: orch, Expirer: gate, Logger: logger},
		SweepTenantInput{TenantID: "acme", Now: clock})

	require.NoError(t, err)
	assert.Equal(t, 1, out.Escalated)
	assert.Equal(t, 1, out.Expired)

	result, err := gate.GetResult(ctx, "acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExpired, result.Status)
}

func TestSweepTenantActivity_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	acts := &SweepActivities{
		Escalator: &fakeEscalator{tasks: []*domain.HumanTask{{ID: "t1"}}},
		Expirer:   &fakeExpirer{n: 2, err: errors.New("partial expiry")},
		Meter:     mp.Meter(instrumentationName),
	}

	_, err := runSweepActivity(t, acts, SweepTenantInput{TenantID: "acme"})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	totals := map[string]int64{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
			for _, dp := range sum.DataPoints {
				totals[md.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), totals["regcycle.workflows.sweep.tenant_sweeps"])
	assert.Equal(t, int64(1), totals["regcycle.workflows.sweep.tasks_escalated"])
	assert.Equal(t, int64(2), totals["regcycle.workflows.sweep.actions_expired"])
	assert.Equal(t, int64(1), totals["regcycle.workflows.sweep.failures"])
}
