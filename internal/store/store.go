// Package store defines the repositories used by the orchestration core and
// a concurrency-safe in-memory implementation.
//
// Every lookup is scoped by tenant: an entity stored for one tenant is never
// visible to another. Stores hand out copies, so callers mutate their own
// value and persist it with Update.
package store

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
)

// CycleStore persists cycles.
type CycleStore interface {
	CreateCycle(ctx context.Context, c *domain.Cycle) error
	GetCycle(ctx context.Context, tenantID, cycleID string) (*domain.Cycle, error)
	UpdateCycle(ctx context.Context, c *domain.Cycle) error
	ListCycles(ctx context.Context, tenantID string) ([]*domain.Cycle, error)
}

// TaskStore persists human tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t *domain.HumanTask) error
	GetTask(ctx context.Context, tenantID, taskID string) (*domain.HumanTask, error)
	UpdateTask(ctx context.Context, t *domain.HumanTask) error
	ListTasksByCycle(ctx context.Context, tenantID, cycleID string) ([]*domain.HumanTask, error)
	// ListOpenTasks returns tasks that are not completed.
	ListOpenTasks(ctx context.Context, tenantID string) ([]*domain.HumanTask, error)
	// ListOverdueTasks returns open tasks with a due date before now.
	ListOverdueTasks(ctx context.Context, tenantID string, now time.Time) ([]*domain.HumanTask, error)
}

// IssueStore reads compliance issues.
type IssueStore interface {
	ListIssuesByReport(ctx context.Context, tenantID, reportID string) ([]*domain.Issue, error)
}

// ActionStore holds pending human gate actions and archived results.
type ActionStore interface {
	AddPending(ctx context.Context, a *domain.HumanGateAction) error
	GetPending(ctx context.Context, tenantID, actionID string) (*domain.HumanGateAction, error)
	ListPending(ctx context.Context, tenantID string) ([]*domain.HumanGateAction, error)

	// TakePending atomically removes the pending action. Exactly one of any
	// number of concurrent callers receives ok=true for a given id.
	TakePending(ctx context.Context, tenantID, actionID string) (a *domain.HumanGateAction, ok bool, err error)

	SaveResult(ctx context.Context, r *domain.HumanGateResult) error
	GetResult(ctx context.Context, tenantID, actionID string) (*domain.HumanGateResult, error)
	ListResults(ctx context.Context, tenantID string) ([]*domain.HumanGateResult, error)
}

// Store bundles all repositories.
type Store interface {
	CycleStore
	TaskStore
	IssueStore
	ActionStore
}
