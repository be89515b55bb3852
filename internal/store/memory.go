package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

type key struct {
	tenant string
	id     string
}

// Memory is an in-memory Store.
type Memory struct {
	mu      sync.RWMutex
	cycles  map[key]*domain.Cycle
	tasks   map[key]*domain.HumanTask
	issues  map[key]*domain.Issue
	pending map[key]*domain.HumanGateAction
	results map[key]*domain.HumanGateResult
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		cycles:  make(map[key]*domain.Cycle),
		tasks:   make(map[key]*domain.HumanTask),
		issues:  make(map[key]*domain.Issue),
		pending: make(map[key]*domain.HumanGateAction),
		results: make(map[key]*domain.HumanGateResult),
	}
}

func (m *Memory) CreateCycle(ctx context.Context, c *domain.Cycle) error {
	if c == nil || c.ID == "" || c.TenantID == "" {
		return faults.Validation("store.create_cycle", "cycle id and tenant id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{c.TenantID, c.ID}
	if _, exists := m.cycles[k]; exists {
		return faults.Validation("store.create_cycle", "cycle %q already exists", c.ID)
	}
	m.cycles[k] = c.Clone()
	return nil
}

func (m *Memory) GetCycle(ctx context.Context, tenantID, cycleID string) (*domain.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cycles[key{tenantID, cycleID}]
	if !ok {
		return nil, faults.NotFound("store.get_cycle", "cycle", cycleID)
	}
	return c.Clone(), nil
}

func (m *Memory) UpdateCycle(ctx context.Context, c *domain.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{c.TenantID, c.ID}
	if _, ok := m.cycles[k]; !ok {
		return faults.NotFound("store.update_cycle", "cycle", c.ID)
	}
	m.cycles[k] = c.Clone()
	return nil
}

func (m *Memory) ListCycles(ctx context.Context, tenantID string) ([]*domain.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Cycle
	for k, c := range m.cycles {
		if k.tenant == tenantID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) CreateTask(ctx context.Context, t *domain.HumanTask) error {
	if t == nil || t.ID == "" || t.TenantID == "" {
		return faults.Validation("store.create_task", "task id and tenant id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{t.TenantID, t.ID}
	if _, exists := m.tasks[k]; exists {
		return faults.Validation("store.create_task", "task %q already exists", t.ID)
	}
	m.tasks[k] = t.Clone()
	return nil
}

func (m *Memory) GetTask(ctx context.Context, tenantID, taskID string) (*domain.HumanTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[key{tenantID, taskID}]
	if !ok {
		return nil, faults.NotFound("store.get_task", "task", taskID)
	}
	return t.Clone(), nil
}

func (m *Memory) UpdateTask(ctx context.Context, t *domain.HumanTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{t.TenantID, t.ID}
	if _, ok := m.tasks[k]; !ok {
		return faults.NotFound("store.update_task", "task", t.ID)
	}
	m.tasks[k] = t.Clone()
	return nil
}

func (m *Memory) ListTasksByCycle(ctx context.Context, tenantID, cycleID string) ([]*domain.HumanTask, error) {
	return m.filterTasks(tenantID, func(t *domain.HumanTask) bool { return t.CycleID == cycleID }), nil
}

func (m *Memory) ListOverdueTasks(ctx context.Context, tenantID string, now time.Time) ([]*domain.HumanTask, error) {
	return m.filterTasks(tenantID, func(t *domain.HumanTask) bool { return t.Overdue(now) }), nil
}

func (m *Memory) ListOpenTasks(ctx context.Context, tenantID string) ([]*domain.HumanTask, error) {
	return m.filterTasks(tenantID, func(t *domain.HumanTask) bool { return t.Open() }), nil
}

func (m *Memory) filterTasks(tenantID string, keep func(*domain.HumanTask) bool) []*domain.HumanTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.HumanTask
	for k, t := range m.tasks {
		if k.tenant == tenantID && keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PutIssue stores or replaces an issue. Issues are owned by an external
// system; this exists to seed the in-memory store.
func (m *Memory) PutIssue(i *domain.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *i
	m.issues[key{i.TenantID, i.ID}] = &cp
}

func (m *Memory) ListIssuesByReport(ctx context.Context, tenantID, reportID string) ([]*domain.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Issue
	for k, i := range m.issues {
		if k.tenant == tenantID && i.ReportID == reportID {
			cp := *i
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) AddPending(ctx context.Context, a *domain.HumanGateAction) error {
	if a == nil || a.ID == "" || a.TenantID == "" {
		return faults.Validation("store.add_pending", "action id and tenant id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{a.TenantID, a.ID}
	if _, exists := m.pending[k]; exists {
		return faults.Validation("store.add_pending", "action %q already pending", a.ID)
	}
	if _, archived := m.results[k]; archived {
		return faults.Validation("store.add_pending", "action %q already resolved", a.ID)
	}
	m.pending[k] = a.Clone()
	return nil
}

func (m *Memory) GetPending(ctx context.Context, tenantID, actionID string) (*domain.HumanGateAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.pending[key{tenantID, actionID}]
	if !ok {
		return nil, faults.NotFound("store.get_pending", "action", actionID)
	}
	return a.Clone(), nil
}

func (m *Memory) ListPending(ctx context.Context, tenantID string) ([]*domain.HumanGateAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.HumanGateAction
	for k, a := range m.pending {
		if k.tenant == tenantID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) TakePending(ctx context.Context, tenantID, actionID string) (*domain.HumanGateAction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{tenantID, actionID}
	a, ok := m.pending[k]
	if !ok {
		return nil, false, nil
	}
	delete(m.pending, k)
	return a, true, nil
}

func (m *Memory) SaveResult(ctx context.Context, r *domain.HumanGateResult) error {
	if r == nil || r.ActionID == "" || r.TenantID == "" {
		return faults.Validation("store.save_result", "action id and tenant id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key{r.TenantID, r.ActionID}] = r.Clone()
	return nil
}

func (m *Memory) GetResult(ctx context.Context, tenantID, actionID string) (*domain.HumanGateResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[key{tenantID, actionID}]
	if !ok {
		return nil, faults.NotFound("store.get_result", "result", actionID)
	}
	return r.Clone(), nil
}

func (m *Memory) ListResults(ctx context.Context, tenantID string) ([]*domain.HumanGateResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.HumanGateResult
	for k, r := range m.results {
		if k.tenant == tenantID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecidedAt.Before(out[j].DecidedAt) })
	return out, nil
}
