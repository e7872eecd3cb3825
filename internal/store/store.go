// Package store defines the task store contract and its file and Postgres
// backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/arbiterhq/arbiter/internal/model"
)

// ErrNotFound is returned when a record does not exist. Callers use
// errors.Is to distinguish it from I/O failures.
var ErrNotFound = errors.New("record not found")

// ErrStaleStatus is returned by UpdateTaskIf when the task's status no
// longer matches the expected value. The caller lost the race and must
// re-read before retrying.
var ErrStaleStatus = errors.New("task status changed concurrently")

// ListFilter narrows ListTasks results. Zero values match everything.
type ListFilter struct {
	Statuses []model.Status
	Agent    string
	// BlockedBefore keeps only tasks whose blocked_at is older than the
	// given instant.
	BlockedBefore *time.Time
}

// Match reports whether a task passes the filter.
func (f ListFilter) Match(t *model.Task) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Agent != "" && t.Agent != f.Agent {
		return false
	}
	if f.BlockedBefore != nil {
		if t.BlockedAt == nil {
			return false
		}
		blockedAt, err := time.Parse(time.RFC3339, *t.BlockedAt)
		if err != nil || !blockedAt.Before(*f.BlockedBefore) {
			return false
		}
	}
	return true
}

// TaskStore is the persistence boundary for tasks, edges, escalations,
// decisions, the dependency ledger, and the routing counter.
type TaskStore interface {
	PutTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter ListFilter) ([]model.Task, error)

	// CountByStatus returns the agent's task count per status (capacity
	// query for the router).
	CountByStatus(ctx context.Context, agent string) (map[model.Status]int, error)

	// UpdateTaskIf applies mutate to the task only if its status still
	// equals expected, then persists it. Returns ErrStaleStatus on a lost
	// race. This is the only write path the engine loops use for
	// transitions.
	UpdateTaskIf(ctx context.Context, id string, expected model.Status, mutate func(*model.Task) error) error

	// NextTaskID mints a readable date-scoped task id. Safe against
	// concurrent minters within the backend's guarantees.
	NextTaskID(ctx context.Context, day time.Time) (string, error)

	SaveEdges(ctx context.Context, edges []model.Edge, unresolved []model.UnresolvedRef) error
	LoadEdges(ctx context.Context) ([]model.Edge, []model.UnresolvedRef, error)

	PutEscalation(ctx context.Context, esc *model.Escalation) error
	ListEscalations(ctx context.Context, taskID string) ([]model.Escalation, error)

	PutDecision(ctx context.Context, d *model.Decision) error
	GetDecision(ctx context.Context, id string) (*model.Decision, error)
	UpdateDecision(ctx context.Context, d *model.Decision) error

	AddDependency(ctx context.Context, row *model.DependencyRow) error
	ListDependencies(ctx context.Context, taskID string) ([]model.DependencyRow, error)
	ResolveDependency(ctx context.Context, id string) error

	Close() error
}
