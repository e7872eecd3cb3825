package route

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/store"
)

func testConfig() model.Config {
	return model.Config{
		Agents: []model.AgentConfig{
			{Role: "cto", Team: "engineering", Lead: true},
			{Role: "web_dev_lead", Team: "engineering"},
			{Role: "web_dev", Team: "engineering"},
			{Role: "coordinator", Team: "office", Lead: true},
		},
		Teams: []model.TeamConfig{
			{Name: "engineering", Lead: "cto"},
			{Name: "office", Lead: "coordinator"},
		},
		Routing: model.RoutingConfig{
			Rules: []model.RoutingRule{
				{Name: "frontend-work", Keywords: []string{"frontend", "landing page"}, Agent: "web_dev_lead"},
				{Name: "infra-tag", Tag: "infra", Agent: "cto"},
			},
			Coordinator:       "coordinator",
			MaxActivePerAgent: 1,
			MaxQueuedPerAgent: 2,
		},
	}
}

func newTestRouter(t *testing.T) (*Router, *store.FileStore) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return NewRouter(testConfig(), st, nil, nil), st
}

func TestRoute_RuleMatchIsDeterministic(t *testing.T) {
	r, st := newTestRouter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := &model.Task{Title: "Build the landing page frontend"}
		asn, err := r.Route(ctx, task)
		require.NoError(t, err)
		assert.Equal(t, "web_dev_lead", asn.Agent)
		assert.Equal(t, "frontend-work", asn.Rule)
		assert.Empty(t, asn.Fallback)

		got, err := st.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusQueued, got.Status)
		require.Len(t, got.History, 1)
		assert.Equal(t, model.HistoryRouted, got.History[0].Kind)
		assert.Equal(t, "web_dev_lead", got.History[0].Detail["agent"])
	}
}

func TestRoute_TagRule(t *testing.T) {
	r, _ := newTestRouter(t)

	asn, err := r.Route(context.Background(), &model.Task{
		Title: "Set up monitoring",
		Tags:  []string{"infra"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cto", asn.Agent)
	assert.Equal(t, "infra-tag", asn.Rule)
}

func TestRoute_RuleMatchesOnAnyCriterion(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.Rules = []model.RoutingRule{
		{Name: "release-work", Keywords: []string{"deploy"}, Tag: "release", Agent: "web_dev_lead"},
	}
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	r := NewRouter(cfg, st, nil, nil)

	// tag alone is enough, no keyword needed
	asn, err := r.Route(context.Background(), &model.Task{
		Title: "Cut the v2 build",
		Tags:  []string{"release"},
	})
	require.NoError(t, err)
	assert.Equal(t, "web_dev_lead", asn.Agent)
	assert.Equal(t, "release-work", asn.Rule)

	// keyword alone works too
	asn, err = r.Route(context.Background(), &model.Task{Title: "Deploy the staging site"})
	require.NoError(t, err)
	assert.Equal(t, "release-work", asn.Rule)
}

func TestRoute_TeamLeadFallback(t *testing.T) {
	r, _ := newTestRouter(t)

	asn, err := r.Route(context.Background(), &model.Task{
		Title: "Refactor billing module",
		Team:  "engineering",
	})
	require.NoError(t, err)
	assert.Equal(t, "cto", asn.Agent)
	assert.Equal(t, "team_lead", asn.Fallback)
}

func TestRoute_CoordinatorCatchAll(t *testing.T) {
	r, _ := newTestRouter(t)

	asn, err := r.Route(context.Background(), &model.Task{Title: "Water the plants"})
	require.NoError(t, err)
	assert.Equal(t, "coordinator", asn.Agent)
	assert.Equal(t, "coordinator", asn.Fallback)
}

func TestRoute_MintsTaskID(t *testing.T) {
	r, _ := newTestRouter(t)

	task := &model.Task{Title: "Anything"}
	_, err := r.Route(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, model.ValidTaskID(task.ID), "minted id %q", task.ID)
}

// fill saturates an agent to the configured ceilings (1 active, 2 queued).
func fill(t *testing.T, st *store.FileStore, agent string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	statuses := []model.Status{model.StatusActive, model.StatusQueued, model.StatusQueued}
	for i, status := range statuses {
		id, err := st.NextTaskID(ctx, time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, st.PutTask(ctx, &model.Task{
			ID: id, Title: "filler", Agent: agent, Status: status,
			Priority: i, CreatedAt: now, UpdatedAt: now,
		}))
	}
}

func TestRoute_CapacityReassignsToTeamLead(t *testing.T) {
	r, st := newTestRouter(t)
	fill(t, st, "web_dev_lead")

	asn, err := r.Route(context.Background(), &model.Task{Title: "Another frontend tweak"})
	require.NoError(t, err)
	assert.Equal(t, "cto", asn.Agent)
	assert.True(t, asn.Reassigned)
	assert.False(t, asn.Overloaded)
}

func TestRoute_LeadAtCapacityQueuesAnyway(t *testing.T) {
	r, st := newTestRouter(t)
	fill(t, st, "web_dev_lead")
	fill(t, st, "cto")

	asn, err := r.Route(context.Background(), &model.Task{Title: "Yet another frontend tweak"})
	require.NoError(t, err)
	assert.Equal(t, "web_dev_lead", asn.Agent)
	assert.False(t, asn.Reassigned)
	assert.True(t, asn.Overloaded)
}
