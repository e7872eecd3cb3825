package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/notify"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Resolver owns the BLOCKED_* -> QUEUED transition. Nothing else in the
// system requeues a blocked task.
type Resolver struct {
	store    store.TaskStore
	notifier notify.Notifier
	bus      *events.Bus
	logc     *logging.Component
	now      func() time.Time
}

func NewResolver(st store.TaskStore, n notify.Notifier, bus *events.Bus, logc *logging.Component) *Resolver {
	if n == nil {
		n = notify.NopNotifier{}
	}
	return &Resolver{store: st, notifier: n, bus: bus, logc: logc, now: time.Now}
}

// Sweep inspects every BLOCKED_AGENT task and resolves the ones whose
// blocking task has reached a terminal state. One task failing to resolve
// does not stop the sweep.
func (r *Resolver) Sweep(ctx context.Context) {
	tasks, err := r.store.ListTasks(ctx, store.ListFilter{
		Statuses: []model.Status{model.StatusBlockedAgent},
	})
	if err != nil {
		r.logc.Logf(logging.LevelError, "resolver list_blocked error=%v", err)
		return
	}
	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := r.resolveOne(ctx, &tasks[i]); err != nil {
			r.logc.Logf(logging.LevelError, "resolver task=%s error=%v", tasks[i].ID, err)
		}
	}
}

func (r *Resolver) resolveOne(ctx context.Context, t *model.Task) error {
	if t.Blocker == nil || t.Blocker.TaskID == "" {
		r.logc.Logf(logging.LevelWarn, "resolver blocker_without_task task=%s", t.ID)
		return r.unblock(ctx, t, "blocker record has no blocking task id")
	}

	dep, err := r.store.GetTask(ctx, t.Blocker.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		r.logc.Logf(logging.LevelWarn, "resolver blocking_task_missing task=%s dep=%s", t.ID, t.Blocker.TaskID)
		return r.unblock(ctx, t, fmt.Sprintf("blocking task %s no longer exists", t.Blocker.TaskID))
	}
	if err != nil {
		return fmt.Errorf("load blocking task %s: %w", t.Blocker.TaskID, err)
	}

	switch dep.Status {
	case model.StatusCompleted:
		if err := r.unblock(ctx, t, fmt.Sprintf("blocking task %s completed", dep.ID)); err != nil {
			return err
		}
		r.markLedgerResolved(ctx, t.ID, dep.ID)
		return nil
	case model.StatusFailed:
		if t.RetryOnDepFailure {
			return r.unblock(ctx, t, fmt.Sprintf("blocking task %s failed, retrying anyway", dep.ID))
		}
		return r.escalateDependencyFailed(ctx, t, dep)
	default:
		return nil
	}
}

// TryUnblock is the scheduler's fast path: requeue the task right now if
// its blocking task is already terminal. Reports whether the task was
// requeued.
func (r *Resolver) TryUnblock(ctx context.Context, t *model.Task) bool {
	if t.Status != model.StatusBlockedAgent || t.Blocker == nil || t.Blocker.TaskID == "" {
		return false
	}
	dep, err := r.store.GetTask(ctx, t.Blocker.TaskID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false
	}
	var reason string
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.logc.Logf(logging.LevelWarn, "resolver blocking_task_missing task=%s dep=%s", t.ID, t.Blocker.TaskID)
		reason = fmt.Sprintf("blocking task %s no longer exists", t.Blocker.TaskID)
	case dep.Status == model.StatusCompleted:
		reason = fmt.Sprintf("blocking task %s completed", dep.ID)
	default:
		return false
	}
	if err := r.unblock(ctx, t, reason); err != nil {
		return false
	}
	return true
}

// unblock performs the guarded BLOCKED_* -> QUEUED transition and records
// it in the task history.
func (r *Resolver) unblock(ctx context.Context, t *model.Task, reason string) error {
	expected := t.Status
	if !model.IsBlocked(expected) {
		return fmt.Errorf("task %s is not blocked (status=%s)", t.ID, expected)
	}
	now := r.now().UTC().Format(time.RFC3339)
	err := r.store.UpdateTaskIf(ctx, t.ID, expected, func(task *model.Task) error {
		task.Status = model.StatusQueued
		task.Blocker = nil
		task.UnblockedAt = &now
		task.History = append(task.History, model.HistoryEntry{
			At:     now,
			Kind:   model.HistoryUnblocked,
			Detail: map[string]string{"reason": reason},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("unblock %s: %w", t.ID, err)
	}
	t.Status = model.StatusQueued
	t.Blocker = nil
	r.logc.Logf(logging.LevelInfo, "unblocked task=%s reason=%q", t.ID, reason)
	if r.bus != nil {
		r.bus.Publish(events.EventTaskUnblocked, map[string]interface{}{
			"task_id": t.ID,
			"reason":  reason,
		})
	}
	return nil
}

func (r *Resolver) escalateDependencyFailed(ctx context.Context, t, dep *model.Task) error {
	if t.HasEscalation(model.EscalationDependencyFailed) {
		return nil
	}
	now := r.now().UTC().Format(time.RFC3339)
	esc := &model.Escalation{
		ID:        model.NewRecordID(),
		TaskID:    t.ID,
		Type:      model.EscalationDependencyFailed,
		Reason:    fmt.Sprintf("blocking task %s failed", dep.ID),
		CreatedAt: now,
	}
	if t.BlockedAt != nil {
		esc.BlockedSince = *t.BlockedAt
	}
	if err := r.store.PutEscalation(ctx, esc); err != nil {
		return fmt.Errorf("record escalation for %s: %w", t.ID, err)
	}
	err := r.store.UpdateTaskIf(ctx, t.ID, t.Status, func(task *model.Task) error {
		task.EscalatedAt = &now
		task.History = append(task.History, model.HistoryEntry{
			At:   now,
			Kind: model.HistoryEscalated,
			Detail: map[string]string{
				"type":          model.EscalationDependencyFailed,
				"escalation_id": esc.ID,
				"blocking_task": dep.ID,
			},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark escalated %s: %w", t.ID, err)
	}
	r.logc.Logf(logging.LevelWarn, "escalated task=%s type=%s dep=%s", t.ID, model.EscalationDependencyFailed, dep.ID)
	if sendErr := r.notifier.Send("Task escalated",
		fmt.Sprintf("%s: blocking task %s failed", t.ID, dep.ID)); sendErr != nil {
		r.logc.Logf(logging.LevelWarn, "notify error=%v", sendErr)
	}
	if r.bus != nil {
		r.bus.Publish(events.EventTaskEscalated, map[string]interface{}{
			"task_id": t.ID,
			"type":    model.EscalationDependencyFailed,
		})
	}
	return nil
}

// markLedgerResolved closes the ledger rows linking task -> dep. Ledger
// rows are reporting records; failures here only log.
func (r *Resolver) markLedgerResolved(ctx context.Context, taskID, depID string) {
	rows, err := r.store.ListDependencies(ctx, taskID)
	if err != nil {
		r.logc.Logf(logging.LevelWarn, "ledger list task=%s error=%v", taskID, err)
		return
	}
	for _, row := range rows {
		if row.Resolved || row.DependsOn != depID {
			continue
		}
		if err := r.store.ResolveDependency(ctx, row.ID); err != nil {
			r.logc.Logf(logging.LevelWarn, "ledger resolve id=%s error=%v", row.ID, err)
		}
	}
}
