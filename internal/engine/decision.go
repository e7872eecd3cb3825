package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/store"
)

// DecisionHandler resolves pending decisions and requeues the task they
// were blocking.
type DecisionHandler struct {
	store store.TaskStore
	bus   *events.Bus
	logc  *logging.Component
	now   func() time.Time
}

func NewDecisionHandler(st store.TaskStore, bus *events.Bus, logc *logging.Component) *DecisionHandler {
	return &DecisionHandler{store: st, bus: bus, logc: logc, now: time.Now}
}

// Resolve records the chosen option on a pending decision and moves its
// task from BLOCKED_DECISION back to QUEUED. Resolving an already
// resolved decision or choosing an option outside the recorded set is an
// error.
func (h *DecisionHandler) Resolve(ctx context.Context, decisionID, chosen, notes string) error {
	d, err := h.store.GetDecision(ctx, decisionID)
	if err != nil {
		return fmt.Errorf("load decision %s: %w", decisionID, err)
	}
	if d.Status != model.DecisionPending {
		return fmt.Errorf("decision %s already resolved (chosen %q)", decisionID, d.Chosen)
	}
	if len(d.Options) > 0 && !contains(d.Options, chosen) {
		return fmt.Errorf("option %q is not one of %v", chosen, d.Options)
	}

	now := h.now().UTC().Format(time.RFC3339)
	d.Status = model.DecisionResolved
	d.Chosen = chosen
	d.Notes = notes
	d.ResolvedAt = &now
	if err := h.store.UpdateDecision(ctx, d); err != nil {
		return fmt.Errorf("persist decision %s: %w", decisionID, err)
	}

	err = h.store.UpdateTaskIf(ctx, d.TaskID, model.StatusBlockedDecision, func(task *model.Task) error {
		task.Status = model.StatusQueued
		task.Blocker = nil
		task.UnblockedAt = &now
		detail := map[string]string{
			"decision_id": decisionID,
			"chosen":      chosen,
		}
		if notes != "" {
			detail["notes"] = notes
		}
		task.History = append(task.History, model.HistoryEntry{
			At:     now,
			Kind:   model.HistoryDecision,
			Detail: detail,
		})
		return nil
	})
	if err != nil {
		// The decision record is resolved either way; the task may have
		// moved on (e.g. deleted). Surface it, don't roll back.
		return fmt.Errorf("requeue task %s after decision: %w", d.TaskID, err)
	}

	h.logc.Logf(logging.LevelInfo, "decision resolved id=%s task=%s chosen=%q", decisionID, d.TaskID, chosen)
	if h.bus != nil {
		h.bus.Publish(events.EventDecisionResolved, map[string]interface{}{
			"decision_id": decisionID,
			"task_id":     d.TaskID,
			"chosen":      chosen,
		})
	}
	return nil
}

func contains(opts []string, v string) bool {
	for _, o := range opts {
		if o == v {
			return true
		}
	}
	return false
}
