package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/notify"
	"github.com/arbiterhq/arbiter/internal/store"
)

const defaultStaleAfter = 24 * time.Hour

// Escalator raises visibility on tasks stuck behind a blocker for too
// long. It never clears the blocker; each task gets exactly one
// stale-blocker escalation.
type Escalator struct {
	store      store.TaskStore
	notifier   notify.Notifier
	bus        *events.Bus
	logc       *logging.Component
	staleAfter time.Duration
	now        func() time.Time
}

func NewEscalator(st store.TaskStore, n notify.Notifier, bus *events.Bus,
	logc *logging.Component, staleAfter time.Duration) *Escalator {
	if n == nil {
		n = notify.NopNotifier{}
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Escalator{
		store:      st,
		notifier:   n,
		bus:        bus,
		logc:       logc,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Sweep escalates every blocked task whose blocked_at is older than the
// staleness window and that has not been escalated for staleness before.
func (e *Escalator) Sweep(ctx context.Context) {
	cutoff := e.now().UTC().Add(-e.staleAfter)
	tasks, err := e.store.ListTasks(ctx, store.ListFilter{
		Statuses:      model.BlockedStatuses(),
		BlockedBefore: &cutoff,
	})
	if err != nil {
		e.logc.Logf(logging.LevelError, "escalator list_blocked error=%v", err)
		return
	}
	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		if tasks[i].HasEscalation(model.EscalationStaleBlocker) {
			continue
		}
		if err := e.escalate(ctx, &tasks[i]); err != nil {
			e.logc.Logf(logging.LevelError, "escalator task=%s error=%v", tasks[i].ID, err)
		}
	}
}

func (e *Escalator) escalate(ctx context.Context, t *model.Task) error {
	now := e.now().UTC().Format(time.RFC3339)
	esc := &model.Escalation{
		ID:        model.NewRecordID(),
		TaskID:    t.ID,
		Type:      model.EscalationStaleBlocker,
		Reason:    fmt.Sprintf("blocked for more than %s", e.staleAfter),
		CreatedAt: now,
	}
	if t.BlockedAt != nil {
		esc.BlockedSince = *t.BlockedAt
	}
	if err := e.store.PutEscalation(ctx, esc); err != nil {
		return fmt.Errorf("record escalation: %w", err)
	}

	// Status is unchanged; the history entry is what makes the sweep
	// idempotent.
	err := e.store.UpdateTaskIf(ctx, t.ID, t.Status, func(task *model.Task) error {
		task.EscalatedAt = &now
		task.History = append(task.History, model.HistoryEntry{
			At:   now,
			Kind: model.HistoryEscalated,
			Detail: map[string]string{
				"type":          model.EscalationStaleBlocker,
				"escalation_id": esc.ID,
			},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark escalated: %w", err)
	}

	e.logc.Logf(logging.LevelWarn, "escalated task=%s type=%s blocked_since=%s",
		t.ID, model.EscalationStaleBlocker, esc.BlockedSince)
	if sendErr := e.notifier.Send("Task needs attention",
		fmt.Sprintf("%s has been blocked since %s", t.ID, esc.BlockedSince)); sendErr != nil {
		e.logc.Logf(logging.LevelWarn, "notify error=%v", sendErr)
	}
	if e.bus != nil {
		e.bus.Publish(events.EventTaskEscalated, map[string]interface{}{
			"task_id": t.ID,
			"type":    model.EscalationStaleBlocker,
		})
	}
	return nil
}
