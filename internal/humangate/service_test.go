package humangate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/regcycle/internal/audit"
	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
	"github.com/fyrsmithlabs/regcycle/internal/store"
	"github.com/fyrsmithlabs/regcycle/internal/toolexec"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, req toolexec.Request) (*domain.ToolOutcome, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*domain.ToolOutcome)
	return out, args.Error(1)
}

type countingExecutor struct {
	calls atomic.Int32
}

func (c *countingExecutor) Execute(ctx context.Context, req toolexec.Request) (*domain.ToolOutcome, error) {
	c.calls.Add(1)
	return &domain.ToolOutcome{Success: true, Attempts: 1}, nil
}

type fixture struct {
	svc   *Service
	store *store.Memory
	sink  *audit.MemorySink
	now   time.Time
	clock func() time.Time
}

func newFixture(t *testing.T, cfg Config, exec toolexec.Executor) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		sink:  audit.NewMemorySink(),
		now:   time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC),
	}
	f.clock = func() time.Time { return f.now }

	catalog, err := DefaultCatalog()
	require.NoError(t, err)

	svc, err := NewService(cfg, catalog, f.store, exec, zaptest.NewLogger(t),
		WithRecorder(audit.NewRecorder(f.sink, nil)),
		WithClock(f.clock),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) request(t *testing.T, tool string, params map[string]interface{}) *domain.HumanGateAction {
	t.Helper()
	a, err := f.svc.CreateAction(tool, params, ActionContext{
		TenantID:    "acme",
		RequestedBy: "assistant-session-user",
		SessionID:   "s-1",
		AIRationale: "all validations passed",
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.RequestApproval(context.Background(), a))
	return a
}

func approve(actionID string) DecideRequest {
	return DecideRequest{
		TenantID:  "acme",
		ActionID:  actionID,
		Decision:  domain.OutcomeApproved,
		Rationale: "Reviewed figures against the ledger",
		DecidedBy: "cfo-1",
	}
}

func TestNewService_RequiresDependencies(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	mem := store.NewMemory()

	_, err = NewService(DefaultConfig(), nil, mem, &countingExecutor{}, nil)
	assert.Error(t, err)
	_, err = NewService(DefaultConfig(), catalog, nil, &countingExecutor{}, nil)
	assert.Error(t, err)
	_, err = NewService(DefaultConfig(), catalog, mem, nil, nil)
	assert.Error(t, err)
}

func TestCreateAction_DerivesFromCatalog(t *testing.T) {
	f := newFixture(t, DefaultConfig(), &countingExecutor{})

	a, err := f.svc.CreateAction("submit_report", map[string]interface{}{"report_id": "FR-2052a"}, ActionContext{TenantID: "acme"})

	require.NoError(t, err)
	assert.Equal(t, domain.ActionSubmitReport, a.ActionType)
	assert.Equal(t, "CFO", a.RequiredRole)
	assert.Equal(t, "report", a.EntityType)
	assert.Equal(t, "FR-2052a", a.EntityID)
	assert.Equal(t, "Submit report FR-2052a to the regulator", a.Title)
	assert.Contains(t, a.ImpactDescription, "FR-2052a")
	assert.Equal(t, domain.ActionPending, a.Status)
	assert.Equal(t, f.now.Add(24*time.Hour), a.ExpiresAt)

	pending, err := f.svc.GetPendingActions(context.Background(), "acme", "")
	require.NoError(t, err)
	assert.Empty(t, pending, "CreateAction must not store the action")
}

func TestCreateAction_UnknownTool(t *testing.T) {
	f := newFixture(t, DefaultConfig(), &countingExecutor{})

	_, err := f.svc.CreateAction("drop_database", nil, ActionContext{TenantID: "acme"})

	assert.ErrorIs(t, err, faults.ErrValidation)
}

func TestDecide_ApproveRunsTool(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.MatchedBy(func(req toolexec.Request) bool {
		return req.ToolName == "submit_report" && req.Parameters["report_id"] == "r-1" && req.TenantID == "acme"
	})).Return(&domain.ToolOutcome{Success: true, Attempts: 1, Data: map[string]interface{}{"submission_id": "sub-1"}}, nil).Once()

	f := newFixture(t, DefaultConfig(), exec)
	a := f.request(t, "submit_report", map[string]interface{}{"report_id": "r-1"})

	result, err := f.svc.Decide(context.Background(), approve(a.ID))

	require.NoError(t, err)
	exec.AssertExpectations(t)
	assert.Equal(t, domain.ActionApproved, result.Status)
	assert.Equal(t, "cfo-1", result.DecidedBy)
	require.NotNil(t, result.ToolResult)
	assert.True(t, result.ToolResult.Success)
	assert.Equal(t, "sub-1", result.ToolResult.Data["submission_id"])

	pending, err := f.svc.GetPendingActions(context.Background(), "acme", "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	archived, err := f.svc.GetResult(context.Background(), "acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionApproved, archived.Status)

	assert.Equal(t, []domain.EpisodeKind{domain.EpisodeActionRequested, domain.EpisodeActionDecided}, f.sink.Kinds("acme"))
}

func TestDecide_RejectDoesNotRunTool(t *testing.T) {
	exec := &countingExecutor{}
	f := newFixture(t, DefaultConfig(), exec)
	a := f.request(t, "delete_rule", map[string]interface{}{"rule_id": "R-7"})

	req := approve(a.ID)
	req.Decision = domain.OutcomeRejected
	result, err := f.svc.Decide(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, domain.ActionRejected, result.Status)
	assert.Nil(t, result.ToolResult)
	assert.Zero(t, exec.calls.Load())
}

func TestDecide_ToolFailureKeepsDecision(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.Anything).
		Return(&domain.ToolOutcome{Success: false, Attempts: 3, Error: "regulator portal unavailable", ErrorCode: "transport_error"},
			faults.ToolExecution("toolexec.execute", "transport_error", errors.New("regulator portal unavailable"))).Once()
	exec.On("Execute", mock.Anything, mock.Anything).
		Return(&domain.ToolOutcome{Success: true, Attempts: 1}, nil).Once()

	f := newFixture(t, DefaultConfig(), exec)
	a := f.request(t, "submit_report", map[string]interface{}{"report_id": "r-1"})

	result, err := f.svc.Decide(context.Background(), approve(a.ID))

	require.NoError(t, err)
	assert.Equal(t, domain.ActionApproved, result.Status)
	require.NotNil(t, result.ToolResult)
	assert.False(t, result.ToolResult.Success)
	assert.True(t, result.ToolResult.Retryable)
	assert.Equal(t, 3, result.ToolResult.Attempts)

	retried, err := f.svc.RetryExecution(context.Background(), "acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionApproved, retried.Status)
	assert.True(t, retried.ToolResult.Success)

	_, err = f.svc.RetryExecution(context.Background(), "acme", a.ID)
	assert.ErrorIs(t, err, faults.ErrInvalidTransition)
	exec.AssertExpectations(t)
}

func TestDecide_AtMostOnceUnderConcurrency(t *testing.T) {
	exec := &countingExecutor{}
	f := newFixture(t, DefaultConfig(), exec)
	a := f.request(t, "approve_catalog", map[string]interface{}{"catalog_id": "cat-1"})

	const n = 16
	var (
		wg       sync.WaitGroup
		success  atomic.Int32
		notFound atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := approve(a.ID)
			req.DeciderRole = "Data Steward"
			_, err := f.svc.Decide(context.Background(), req)
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, faults.ErrNotFound):
				notFound.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(n-1), notFound.Load())
	assert.Equal(t, int32(1), exec.calls.Load())

	results, err := f.svc.ListResults(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestDecide_Expired(t *testing.T) {
	exec := &countingExecutor{}
	f := newFixture(t, DefaultConfig(), exec)
	a := f.request(t, "update_rule", map[string]interface{}{"rule_id": "R-1"})

	f.now = f.now.Add(25 * time.Hour)
	_, err := f.svc.Decide(context.Background(), approve(a.ID))

	assert.ErrorIs(t, err, faults.ErrActionExpired)
	assert.Zero(t, exec.calls.Load())

	result, err := f.svc.GetResult(context.Background(), "acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExpired, result.Status)
	assert.Equal(t, domain.ActionExpired, result.Action.Status)

	_, err = f.svc.Decide(context.Background(), approve(a.ID))
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestDecide_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireSignature = true
	exec := &countingExecutor{}
	f := newFixture(t, cfg, exec)
	a := f.request(t, "submit_report", map[string]interface{}{"report_id": "r-1"})

	tests := []struct {
		name   string
		mutate func(*DecideRequest)
		want   error
	}{
		{"short rationale", func(r *DecideRequest) { r.Rationale = "ok"; r.Signature = "sig" }, faults.ErrValidation},
		{"missing signature", func(r *DecideRequest) {}, faults.ErrValidation},
		{"invalid decision", func(r *DecideRequest) { r.Decision = "maybe"; r.Signature = "sig" }, faults.ErrValidation},
		{"missing decider", func(r *DecideRequest) { r.DecidedBy = ""; r.Signature = "sig" }, faults.ErrValidation},
		{"wrong role", func(r *DecideRequest) { r.DeciderRole = "Analyst"; r.Signature = "sig" }, faults.ErrAuthorization},
		{"unknown action", func(r *DecideRequest) { r.ActionID = "nope"; r.Signature = "sig" }, faults.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := approve(a.ID)
			tt.mutate(&req)
			_, err := f.svc.Decide(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Failed attempts have no side effects.
	pending, err := f.svc.GetPendingActions(context.Background(), "acme", "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, exec.calls.Load())

	req := approve(a.ID)
	req.DeciderRole = "cfo"
	req.Signature = "sig-cfo-1"
	result, err := f.svc.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "sig-cfo-1", result.Signature)
}

func TestDecide_RolesNotEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceRoles = false
	f := newFixture(t, cfg, &countingExecutor{})
	a := f.request(t, "submit_report", map[string]interface{}{"report_id": "r-1"})

	req := approve(a.ID)
	req.DeciderRole = "Analyst"
	_, err := f.svc.Decide(context.Background(), req)

	assert.NoError(t, err)
}

func TestGetPendingActions_FiltersAndExpires(t *testing.T) {
	f := newFixture(t, DefaultConfig(), &countingExecutor{})
	old := f.request(t, "resolve_issue", map[string]interface{}{"issue_id": "I-1"})

	f.now = f.now.Add(23 * time.Hour)
	fresh := f.request(t, "modify_lineage", map[string]interface{}{"node_id": "N-1"})
	other, err := f.svc.CreateAction("update_rule", map[string]interface{}{"rule_id": "R-1"}, ActionContext{TenantID: "acme", RequestedBy: "someone-else"})
	require.NoError(t, err)
	require.NoError(t, f.svc.RequestApproval(context.Background(), other))

	f.now = f.now.Add(2 * time.Hour)

	mine, err := f.svc.GetPendingActions(context.Background(), "acme", "assistant-session-user")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, fresh.ID, mine[0].ID)

	all, err := f.svc.GetPendingActions(context.Background(), "acme", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	result, err := f.svc.GetResult(context.Background(), "acme", old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExpired, result.Status)

	none, err := f.svc.GetPendingActions(context.Background(), "globex", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t, DefaultConfig(), &countingExecutor{})
	f.request(t, "update_rule", map[string]interface{}{"rule_id": "R-1"})
	f.request(t, "delete_rule", map[string]interface{}{"rule_id": "R-2"})

	n, err := f.svc.ExpireOverdue(context.Background(), "acme")
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.Add(48 * time.Hour)
	n, err = f.svc.ExpireOverdue(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOnExpire_CalledOncePerExpiry(t *testing.T) {
	f := newFixture(t, DefaultConfig(), &countingExecutor{})
	var expired []string
	f.svc.OnExpire(func(ctx context.Context, r *domain.HumanGateResult) {
		expired = append(expired, r.ActionID)
	})
	listed := f.request(t, "update_rule", map[string]interface{}{"rule_id": "R-1"})
	decided := f.request(t, "delete_rule", map[string]interface{}{"rule_id": "R-2"})

	f.now = f.now.Add(48 * time.Hour)
	_, err := f.svc.Decide(context.Background(), approve(decided.ID))
	assert.ErrorIs(t, err, faults.ErrActionExpired)
	_, err = f.svc.GetPendingActions(context.Background(), "acme", "")
	require.NoError(t, err)
	n, err := f.svc.ExpireOverdue(context.Background(), "acme")
	require.NoError(t, err)

	assert.Zero(t, n)
	assert.ElementsMatch(t, []string{decided.ID, listed.ID}, expired)
}

func TestCancelAction(t *testing.T) {
	exec := &countingExecutor{}
	f := newFixture(t, DefaultConfig(), exec)
	a := f.request(t, "override_threshold", map[string]interface{}{"threshold_id": "LCR", "value": 0.95})
	assert.Equal(t, "Override threshold LCR", a.Title)
	assert.Contains(t, a.Description, "to 0.95")

	result, err := f.svc.CancelAction(context.Background(), "acme", a.ID, "cycle failed")

	require.NoError(t, err)
	assert.Equal(t, domain.ActionRejected, result.Status)
	assert.Equal(t, SystemActor, result.DecidedBy)
	assert.Equal(t, "cycle failed", result.Rationale)
	assert.Zero(t, exec.calls.Load())

	_, err = f.svc.CancelAction(context.Background(), "acme", a.ID, "")
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestAuditDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuditEnabled = false
	f := newFixture(t, cfg, &countingExecutor{})
	a := f.request(t, "submit_report", map[string]interface{}{"report_id": "r-1"})

	_, err := f.svc.Decide(context.Background(), approve(a.ID))

	require.NoError(t, err)
	assert.Zero(t, f.sink.Len())
}
