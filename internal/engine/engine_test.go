package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/agent"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/store"
)

// fakeExec replays a scripted sequence of results; the last one repeats.
type fakeExec struct {
	results []agent.ExecResult
	calls   int
}

func (f *fakeExec) Execute(_ context.Context, _ agent.ExecRequest) agent.ExecResult {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i]
}

func (f *fakeExec) Close() error { return nil }

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *clock) stamp() string           { return c.t.UTC().Format(time.RFC3339) }

func (c *clock) stampAgo(d time.Duration) string {
	return c.t.Add(-d).UTC().Format(time.RFC3339)
}

func newEngineStore(t *testing.T) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func queuedTask(id string, priority int, createdAt string) *model.Task {
	return &model.Task{
		ID:         id,
		Title:      "work " + id,
		Agent:      "cto",
		Priority:   priority,
		Status:     model.StatusQueued,
		MaxRetries: 3,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 2*time.Second, p.Backoff(0))
}

func TestAgentLoop_PicksHighestPriorityOldestFirst(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	ck := &clock{t: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)}

	require.NoError(t, st.PutTask(ctx, queuedTask("TASK-20260827-001", 1, ck.stampAgo(2*time.Hour))))
	require.NoError(t, st.PutTask(ctx, queuedTask("TASK-20260827-002", 5, ck.stampAgo(time.Hour))))
	require.NoError(t, st.PutTask(ctx, queuedTask("TASK-20260827-003", 5, ck.stampAgo(3*time.Hour))))

	ex := &fakeExec{results: []agent.ExecResult{{Outputs: map[string]string{"done": "yes"}}}}
	loop := NewAgentLoop("cto", st, ex, nil, RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}, nil, nil)
	loop.now = ck.now

	require.NoError(t, loop.Tick(ctx))

	// priority 5 wins; among those the older created_at wins
	got, err := st.GetTask(ctx, "TASK-20260827-003")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 1, ex.calls)
}

func TestAgentLoop_OneTaskPerTick(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	ck := &clock{t: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)}

	require.NoError(t, st.PutTask(ctx, queuedTask("TASK-20260827-001", 1, ck.stamp())))
	require.NoError(t, st.PutTask(ctx, queuedTask("TASK-20260827-002", 1, ck.stamp())))

	ex := &fakeExec{results: []agent.ExecResult{{}}}
	loop := NewAgentLoop("cto", st, ex, nil, RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}, nil, nil)
	loop.now = ck.now

	require.NoError(t, loop.Tick(ctx))
	assert.Equal(t, 1, ex.calls)
	require.NoError(t, loop.Tick(ctx))
	assert.Equal(t, 2, ex.calls)
}

func TestAgentLoop_RetriesThenFails(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	ck := &clock{t: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)}

	require.NoError(t, st.PutTask(ctx, queuedTask("TASK-20260827-001", 1, ck.stamp())))

	ex := &fakeExec{results: []agent.ExecResult{{Err: errors.New("api down")}}}
	loop := NewAgentLoop("cto", st, ex, nil, RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second}, nil, nil)
	loop.now = ck.now

	// attempt 1: requeued with backoff 2s
	require.NoError(t, loop.Tick(ctx))
	got, err := st.GetTask(ctx, "TASK-20260827-001")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Retries)
	require.NotNil(t, got.NotBefore)

	// still cooling down: tick is a no-op
	require.NoError(t, loop.Tick(ctx))
	assert.Equal(t, 1, ex.calls)

	// attempt 2: backoff doubles
	ck.advance(time.Minute)
	require.NoError(t, loop.Tick(ctx))
	got, err = st.GetTask(ctx, "TASK-20260827-001")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Retries)
	assert.Equal(t, model.StatusQueued, got.Status)

	// attempt 3: retries exhausted
	ck.advance(time.Minute)
	require.NoError(t, loop.Tick(ctx))
	got, err = st.GetTask(ctx, "TASK-20260827-001")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Retries)
	require.NotNil(t, got.FailedAt)

	// backoffs double per attempt, the terminal failure included
	var backoffs []string
	for _, h := range got.History {
		if h.Kind == model.HistoryRetried || h.Kind == model.HistoryFailed {
			backoffs = append(backoffs, h.Detail["backoff_sec"])
		}
	}
	assert.Equal(t, []string{"2", "4", "8"}, backoffs)
}

func TestAgentLoop_NoExecutorIdles(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	ck := &clock{t: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)}

	require.NoError(t, st.PutTask(ctx, queuedTask("TASK-20260827-001", 1, ck.stamp())))

	loop := NewAgentLoop("cto", st, nil, nil, RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}, nil, nil)
	loop.now = ck.now

	require.NoError(t, loop.Tick(ctx))

	// nothing activated: the task waits for a configured executor
	got, err := st.GetTask(ctx, "TASK-20260827-001")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Empty(t, got.History)
}

func TestAgentLoop_BlockedThenUnblockedNextTick(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	ck := &clock{t: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)}

	dep := queuedTask("TASK-20260827-001", 1, ck.stamp())
	dep.Status = model.StatusActive
	dep.Agent = "ceo"
	require.NoError(t, st.PutTask(ctx, dep))
	require.NoError(t, st.PutTask(ctx, queuedTask("TASK-20260827-002", 1, ck.stamp())))

	blocker := &model.BlockerInfo{Kind: model.BlockerAgent, TaskID: "TASK-20260827-001"}
	ex := &fakeExec{results: []agent.ExecResult{
		{Blocker: blocker},
		{Outputs: map[string]string{"done": "yes"}},
	}}
	resolver := NewResolver(st, nil, nil, nil)
	loop := NewAgentLoop("cto", st, ex, resolver, RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}, nil, nil)
	loop.now = ck.now

	// tick 1: task blocks on the ceo task
	require.NoError(t, loop.Tick(ctx))
	got, err := st.GetTask(ctx, "TASK-20260827-002")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlockedAgent, got.Status)
	require.NotNil(t, got.Blocker)

	// blocker still active: nothing to run
	require.NoError(t, loop.Tick(ctx))
	assert.Equal(t, 1, ex.calls)

	// dependency completes; next tick unblocks and finishes the task
	require.NoError(t, st.UpdateTaskIf(ctx, "TASK-20260827-001", model.StatusActive, func(task *model.Task) error {
		task.Status = model.StatusCompleted
		return nil
	}))
	require.NoError(t, loop.Tick(ctx))

	got, err = st.GetTask(ctx, "TASK-20260827-002")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Nil(t, got.Blocker)

	var kinds []model.HistoryKind
	for _, h := range got.History {
		kinds = append(kinds, h.Kind)
	}
	assert.Contains(t, kinds, model.HistoryUnblocked)

	// the agent blocker also landed in the dependency ledger
	rows, err := st.ListDependencies(ctx, "TASK-20260827-002")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "TASK-20260827-001", rows[0].DependsOn)
}

func TestResolver_Sweep(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	ck := &clock{t: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)}

	dep := queuedTask("TASK-20260827-001", 1, ck.stamp())
	dep.Status = model.StatusCompleted
	require.NoError(t, st.PutTask(ctx, dep))

	blocked := queuedTask("TASK-20260827-002", 1, ck.stamp())
	blocked.Status = model.StatusBlockedAgent
	blocked.Blocker = &model.BlockerInfo{Kind: model.BlockerAgent, TaskID: "TASK-20260827-001"}
	require.NoError(t, st.PutTask(ctx, blocked))

	r := NewResolver(st, nil, nil, nil)
	r.now = ck.now
	r.Sweep(ctx)

	got, err := st.GetTask(ctx, "TASK-20260827-002")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Nil(t, got.Blocker)
	require.NotNil(t, got.UnblockedAt)
}

func TestResolver_FailedDependencyEscalatesOnce(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	ck := &clock{t: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)}

	dep := queuedTask("TASK-20260827-001", 1, ck.stamp())
	dep.Status = model.StatusFailed
	require.NoError(t, st.PutTask(ctx, dep))

	blocked := queuedTask("TASK-20260827-002", 1, ck.stamp())
	blocked.Status = model.StatusBlockedAgent
	blocked.Blocker = &model.BlockerInfo{Kind: model.BlockerAgent, TaskID: "TASK-20260827-001"}
	require.NoError(t, st.PutTask(ctx, blocked))

	r := NewResolver(st, nil, nil, nil)
	r.now = ck.now
	r.Sweep(ctx)
	r.Sweep(ctx)

	// stays blocked; exactly one escalation despite two sweeps
	got, err := st.GetTask(ctx, "TASK-20260827-002")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlockedAgent, got.Status)

	escs, err := st.ListEscalations(ctx, "TASK-20260827-002")
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, model.EscalationDependencyFailed, escs[0].Type)
}

func TestResolver_FailedDependencyRetryOptIn(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()

	dep := queuedTask("TASK-20260827-001", 1, "2026-08-27T09:00:00Z")
	dep.Status = model.StatusFailed
	require.NoError(t, st.PutTask(ctx, dep))

	blocked := queuedTask("TASK-20260827-002", 1, "2026-08-27T09:00:00Z")
	blocked.Status = model.StatusBlockedAgent
	blocked.RetryOnDepFailure = true
	blocked.Blocker = &model.BlockerInfo{Kind: model.BlockerAgent, TaskID: "TASK-20260827-001"}
	require.NoError(t, st.PutTask(ctx, blocked))

	r := NewResolver(st, nil, nil, nil)
	r.Sweep(ctx)

	got, err := st.GetTask(ctx, "TASK-20260827-002")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestResolver_MissingDependencyUnblocks(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()

	blocked := queuedTask("TASK-20260827-002", 1, "2026-08-27T09:00:00Z")
	blocked.Status = model.StatusBlockedAgent
	blocked.Blocker = &model.BlockerInfo{Kind: model.BlockerAgent, TaskID: "TASK-20260827-404"}
	require.NoError(t, st.PutTask(ctx, blocked))

	r := NewResolver(st, nil, nil, nil)
	r.Sweep(ctx)

	got, err := st.GetTask(ctx, "TASK-20260827-002")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestResolver_TryUnblockMissingDependencyAnnotates(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()

	blocked := queuedTask("TASK-20260827-002", 1, "2026-08-27T09:00:00Z")
	blocked.Status = model.StatusBlockedAgent
	blocked.Blocker = &model.BlockerInfo{Kind: model.BlockerAgent, TaskID: "TASK-20260827-404"}
	require.NoError(t, st.PutTask(ctx, blocked))

	r := NewResolver(st, nil, nil, nil)
	require.True(t, r.TryUnblock(ctx, blocked))

	got, err := st.GetTask(ctx, "TASK-20260827-002")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)

	// history names the vanished dependency, not a completion
	var reason string
	for _, h := range got.History {
		if h.Kind == model.HistoryUnblocked {
			reason = h.Detail["reason"]
		}
	}
	assert.Contains(t, reason, "no longer exists")
}

func TestEscalator_StaleBlockerExactlyOnce(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	ck := &clock{t: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)}

	stale := queuedTask("TASK-20260826-001", 1, ck.stampAgo(30*time.Hour))
	stale.Status = model.StatusBlockedAuth
	blockedAt := ck.stampAgo(26 * time.Hour)
	stale.BlockedAt = &blockedAt
	require.NoError(t, st.PutTask(ctx, stale))

	fresh := queuedTask("TASK-20260827-001", 1, ck.stamp())
	fresh.Status = model.StatusBlockedAuth
	freshAt := ck.stampAgo(time.Hour)
	fresh.BlockedAt = &freshAt
	require.NoError(t, st.PutTask(ctx, fresh))

	e := NewEscalator(st, nil, nil, nil, 24*time.Hour)
	e.now = ck.now
	e.Sweep(ctx)
	e.Sweep(ctx)

	escs, err := st.ListEscalations(ctx, "TASK-20260826-001")
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, model.EscalationStaleBlocker, escs[0].Type)

	// status untouched, history carries the escalation
	got, err := st.GetTask(ctx, "TASK-20260826-001")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlockedAuth, got.Status)
	assert.True(t, got.HasEscalation(model.EscalationStaleBlocker))

	none, err := st.ListEscalations(ctx, "TASK-20260827-001")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDecisionHandler_Resolve(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	ck := &clock{t: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)}

	d := &model.Decision{
		ID:        model.NewRecordID(),
		TaskID:    "TASK-20260827-001",
		Prompt:    "pick a hosting provider",
		Options:   []string{"aws", "gcp"},
		Status:    model.DecisionPending,
		CreatedAt: ck.stamp(),
	}
	require.NoError(t, st.PutDecision(ctx, d))

	task := queuedTask("TASK-20260827-001", 1, ck.stamp())
	task.Status = model.StatusBlockedDecision
	task.Blocker = &model.BlockerInfo{Kind: model.BlockerDecision, DecisionID: d.ID, Options: d.Options}
	require.NoError(t, st.PutTask(ctx, task))

	h := NewDecisionHandler(st, nil, nil)
	h.now = ck.now

	require.Error(t, h.Resolve(ctx, d.ID, "azure", ""), "option outside the recorded set")

	require.NoError(t, h.Resolve(ctx, d.ID, "aws", "cheapest"))

	got, err := st.GetTask(ctx, "TASK-20260827-001")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Nil(t, got.Blocker)

	// full provenance lands in the task history
	var detail map[string]string
	for _, h := range got.History {
		if h.Kind == model.HistoryDecision {
			detail = h.Detail
		}
	}
	require.NotNil(t, detail)
	assert.Equal(t, "aws", detail["chosen"])
	assert.Equal(t, "cheapest", detail["notes"])

	resolved, err := st.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionResolved, resolved.Status)
	assert.Equal(t, "aws", resolved.Chosen)

	assert.Error(t, h.Resolve(ctx, d.ID, "aws", ""), "double resolve is rejected")
}

func TestSupervisor_RegistryAndShutdown(t *testing.T) {
	st := newEngineStore(t)
	cfg := model.Config{
		Agents: []model.AgentConfig{
			{Role: "cto", Team: "engineering", Lead: true},
			{Role: "web_dev", Team: "engineering"},
		},
		Scheduler: model.SchedulerConfig{TickIntervalSec: 1},
	}
	ex := &fakeExec{results: []agent.ExecResult{{}}}
	s := NewSupervisor(cfg, st, ex, nil, nil, nil)

	assert.Equal(t, []string{"cto", "web_dev"}, s.Agents())
	require.NotNil(t, s.Decisions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Nudge()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
