// Package engine runs the per-agent execution loops, the retry policy,
// and the resolution jobs that turn blocked tasks back into queued ones.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/arbiterhq/arbiter/internal/agent"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/store"
)

// AgentLoop drives one agent: each tick it picks at most one task and
// runs it to a verdict. Selection order: a leftover ACTIVE task (crash
// recovery), then a blocked task whose blocker just cleared, then the
// best QUEUED task.
type AgentLoop struct {
	agent    string
	store    store.TaskStore
	exec     agent.Executor
	resolver *Resolver
	retry    RetryPolicy
	bus      *events.Bus
	logc     *logging.Component
	now      func() time.Time
}

func NewAgentLoop(agentID string, st store.TaskStore, ex agent.Executor, res *Resolver,
	retry RetryPolicy, bus *events.Bus, logc *logging.Component) *AgentLoop {
	return &AgentLoop{
		agent:    agentID,
		store:    st,
		exec:     ex,
		resolver: res,
		retry:    retry,
		bus:      bus,
		logc:     logc,
		now:      time.Now,
	}
}

// Tick runs at most one task attempt. Errors are per-task; a tick that
// finds nothing runnable returns nil. Without an executor the loop is a
// no-op: activating a task it cannot run would strand it ACTIVE.
func (l *AgentLoop) Tick(ctx context.Context) error {
	if l.exec == nil {
		l.logc.Logf(logging.LevelDebug, "tick skipped agent=%s no executor", l.agent)
		return nil
	}
	task, err := l.selectTask(ctx)
	if err != nil || task == nil {
		return err
	}
	return l.execute(ctx, task)
}

func (l *AgentLoop) selectTask(ctx context.Context) (*model.Task, error) {
	// Leftover ACTIVE task from a previous run resumes as-is.
	active, err := l.store.ListTasks(ctx, store.ListFilter{
		Agent:    l.agent,
		Statuses: []model.Status{model.StatusActive},
	})
	if err != nil {
		return nil, fmt.Errorf("list active for %s: %w", l.agent, err)
	}
	if len(active) > 0 {
		l.logc.Logf(logging.LevelWarn, "resuming active task=%s agent=%s", active[0].ID, l.agent)
		return &active[0], nil
	}

	// A blocked task whose blocker already completed jumps the queue.
	blocked, err := l.store.ListTasks(ctx, store.ListFilter{
		Agent:    l.agent,
		Statuses: []model.Status{model.StatusBlockedAgent},
	})
	if err != nil {
		return nil, fmt.Errorf("list blocked for %s: %w", l.agent, err)
	}
	sortRunnable(blocked)
	for i := range blocked {
		if l.resolver != nil && l.resolver.TryUnblock(ctx, &blocked[i]) {
			return l.activate(ctx, &blocked[i])
		}
	}

	queued, err := l.store.ListTasks(ctx, store.ListFilter{
		Agent:    l.agent,
		Statuses: []model.Status{model.StatusQueued},
	})
	if err != nil {
		return nil, fmt.Errorf("list queued for %s: %w", l.agent, err)
	}
	sortRunnable(queued)
	now := l.now().UTC()
	for i := range queued {
		if coolingDown(&queued[i], now) {
			continue
		}
		return l.activate(ctx, &queued[i])
	}
	return nil, nil
}

// sortRunnable orders by priority descending, then created_at ascending,
// then id for determinism.
func sortRunnable(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// coolingDown reports whether the task's advisory retry cooldown is still
// in the future. Unparseable timestamps do not hold a task back.
func coolingDown(t *model.Task, now time.Time) bool {
	if t.NotBefore == nil {
		return false
	}
	nb, err := time.Parse(time.RFC3339, *t.NotBefore)
	return err == nil && now.Before(nb)
}

func (l *AgentLoop) activate(ctx context.Context, t *model.Task) (*model.Task, error) {
	now := l.now().UTC().Format(time.RFC3339)
	err := l.store.UpdateTaskIf(ctx, t.ID, model.StatusQueued, func(task *model.Task) error {
		task.Status = model.StatusActive
		task.StartedAt = &now
		task.NotBefore = nil
		task.History = append(task.History, model.HistoryEntry{
			At:     now,
			Kind:   model.HistoryStarted,
			Detail: map[string]string{"agent": l.agent, "attempt": strconv.Itoa(task.Retries + 1)},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", t.ID, err)
	}
	t.Status = model.StatusActive
	l.logc.Logf(logging.LevelInfo, "started task=%s agent=%s attempt=%d", t.ID, l.agent, t.Retries+1)
	if l.bus != nil {
		l.bus.Publish(events.EventTaskStarted, map[string]interface{}{
			"task_id": t.ID,
			"agent":   l.agent,
		})
	}
	return t, nil
}

func (l *AgentLoop) execute(ctx context.Context, t *model.Task) error {
	res := l.exec.Execute(ctx, agent.ExecRequest{
		Task:    *t,
		Agent:   l.agent,
		Attempt: t.Retries + 1,
	})
	switch {
	case res.Err != nil:
		return l.handleFailure(ctx, t, res.Err)
	case res.Blocker != nil:
		return l.handleBlocked(ctx, t, res.Blocker)
	default:
		return l.handleCompleted(ctx, t, res.Outputs)
	}
}

func (l *AgentLoop) handleCompleted(ctx context.Context, t *model.Task, outputs map[string]string) error {
	now := l.now().UTC().Format(time.RFC3339)
	err := l.store.UpdateTaskIf(ctx, t.ID, model.StatusActive, func(task *model.Task) error {
		task.Status = model.StatusCompleted
		task.CompletedAt = &now
		if len(outputs) > 0 {
			if task.Outputs == nil {
				task.Outputs = make(map[string]string, len(outputs))
			}
			for k, v := range outputs {
				task.Outputs[k] = v
			}
		}
		task.History = append(task.History, model.HistoryEntry{
			At:   now,
			Kind: model.HistoryCompleted,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", t.ID, err)
	}
	l.logc.Logf(logging.LevelInfo, "completed task=%s agent=%s", t.ID, l.agent)
	if l.bus != nil {
		l.bus.Publish(events.EventTaskCompleted, map[string]interface{}{
			"task_id": t.ID,
			"agent":   l.agent,
		})
	}
	return nil
}

func (l *AgentLoop) handleBlocked(ctx context.Context, t *model.Task, blocker *model.BlockerInfo) error {
	status, err := model.StatusForBlocker(blocker.Kind)
	if err != nil {
		return l.handleFailure(ctx, t, err)
	}
	now := l.now().UTC().Format(time.RFC3339)

	// A decision blocker gets its own pending record before the task is
	// parked, so the resolve command has something to act on.
	if blocker.Kind == model.BlockerDecision && blocker.DecisionID == "" {
		d := &model.Decision{
			ID:        model.NewRecordID(),
			TaskID:    t.ID,
			Prompt:    blocker.Reason,
			Options:   blocker.Options,
			Status:    model.DecisionPending,
			CreatedAt: now,
		}
		if err := l.store.PutDecision(ctx, d); err != nil {
			return fmt.Errorf("record decision for %s: %w", t.ID, err)
		}
		blocker.DecisionID = d.ID
	}

	err = l.store.UpdateTaskIf(ctx, t.ID, model.StatusActive, func(task *model.Task) error {
		task.Status = status
		task.Blocker = blocker
		task.BlockedAt = &now
		task.History = append(task.History, model.HistoryEntry{
			At:   now,
			Kind: model.HistoryBlocked,
			Detail: map[string]string{
				"kind":    string(blocker.Kind),
				"task_id": blocker.TaskID,
				"reason":  blocker.Reason,
			},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("block %s: %w", t.ID, err)
	}

	// Agent blockers also land in the dependency ledger for reporting.
	if blocker.Kind == model.BlockerAgent && blocker.TaskID != "" {
		row := &model.DependencyRow{
			ID:         model.NewRecordID(),
			TaskID:     t.ID,
			DependsOn:  blocker.TaskID,
			Type:       string(model.DepBlockedBy),
			Confidence: 1.0,
			CreatedAt:  now,
		}
		if err := l.store.AddDependency(ctx, row); err != nil {
			l.logc.Logf(logging.LevelWarn, "ledger add task=%s error=%v", t.ID, err)
		}
	}

	l.logc.Logf(logging.LevelInfo, "blocked task=%s agent=%s kind=%s", t.ID, l.agent, blocker.Kind)
	if l.bus != nil {
		l.bus.Publish(events.EventTaskBlocked, map[string]interface{}{
			"task_id": t.ID,
			"agent":   l.agent,
			"kind":    string(blocker.Kind),
		})
	}
	return nil
}

func (l *AgentLoop) handleFailure(ctx context.Context, t *model.Task, cause error) error {
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = l.retry.MaxRetries
	}
	now := l.now().UTC()
	nowStr := now.Format(time.RFC3339)

	var failed bool
	err := l.store.UpdateTaskIf(ctx, t.ID, model.StatusActive, func(task *model.Task) error {
		task.Retries++
		// The backoff for this attempt is recorded even on the terminal
		// failure, so history carries the full base*2^(n-1) series.
		backoff := l.retry.Backoff(task.Retries)
		if task.Retries >= maxRetries {
			failed = true
			task.Status = model.StatusFailed
			task.FailedAt = &nowStr
			task.History = append(task.History, model.HistoryEntry{
				At:   nowStr,
				Kind: model.HistoryFailed,
				Detail: map[string]string{
					"error":       cause.Error(),
					"retries":     strconv.Itoa(task.Retries),
					"backoff_sec": strconv.Itoa(int(backoff / time.Second)),
				},
			})
			return nil
		}
		nb := now.Add(backoff).Format(time.RFC3339)
		task.Status = model.StatusQueued
		task.NotBefore = &nb
		task.History = append(task.History, model.HistoryEntry{
			At:   nowStr,
			Kind: model.HistoryRetried,
			Detail: map[string]string{
				"error":       cause.Error(),
				"attempt":     strconv.Itoa(task.Retries),
				"backoff_sec": strconv.Itoa(int(backoff / time.Second)),
			},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("record failure %s: %w", t.ID, err)
	}

	if failed {
		l.logc.Logf(logging.LevelError, "failed task=%s agent=%s error=%v", t.ID, l.agent, cause)
		if l.bus != nil {
			l.bus.Publish(events.EventTaskFailed, map[string]interface{}{
				"task_id": t.ID,
				"agent":   l.agent,
				"error":   cause.Error(),
			})
		}
		return nil
	}
	l.logc.Logf(logging.LevelWarn, "retrying task=%s agent=%s error=%v", t.ID, l.agent, cause)
	return nil
}
