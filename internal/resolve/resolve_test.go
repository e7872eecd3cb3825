package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/model"
)

func TestScore_ExactIDMatch(t *testing.T) {
	hint := model.DependencyHint{
		Match:            "TASK-20260827-001",
		Normalized:       "TASK-20260827-001",
		Type:             model.DepTaskIDReference,
		IsExplicitTaskID: true,
	}
	task := model.Task{ID: "TASK-20260827-001", Title: "anything"}
	assert.Equal(t, 1.0, Score(hint, &task))
}

func TestScore_RoleAndKeywords(t *testing.T) {
	hint := model.DependencyHint{
		Match:      "Business Number registration",
		Normalized: "business number registration",
		Type:       model.DepRequires,
		Role:       "ceo",
		Keywords:   []string{"business", "number", "registration"},
	}
	match := model.Task{
		ID:    "TASK-20260827-001",
		Title: "Business Number registration",
		Agent: "ceo",
	}
	other := model.Task{
		ID:    "TASK-20260827-002",
		Title: "Design homepage mockup",
		Agent: "designer",
	}

	assert.Greater(t, Score(hint, &match), 0.8)
	assert.Less(t, Score(hint, &other), 0.1)
}

func TestScore_WorkflowBonus(t *testing.T) {
	hint := model.DependencyHint{
		Match:         "website-launch",
		Normalized:    "website-launch",
		Type:          model.DepWorkflowRef,
		Keywords:      []string{"website-launch"},
		IsWorkflowRef: true,
	}
	in := model.Task{ID: "TASK-20260827-001", Title: "Pick hosting", Workflow: "website-launch"}
	out := model.Task{ID: "TASK-20260827-002", Title: "File taxes", Workflow: "company-formation"}

	assert.Greater(t, Score(hint, &in), Score(hint, &out))
	assert.GreaterOrEqual(t, Score(hint, &in), 0.25)
}

func TestCandidates_OrderAndCap(t *testing.T) {
	source := model.Task{ID: "TASK-20260827-009", Title: "Open bank account"}
	corpus := []model.Task{
		source,
		{ID: "TASK-20260827-001", Title: "Business Number registration", Agent: "ceo"},
		{ID: "TASK-20260827-002", Title: "Register business name", Agent: "ceo"},
		{ID: "TASK-20260827-003", Title: "Design logo", Agent: "designer"},
	}
	hint := model.DependencyHint{
		Match:      "Business Number registration",
		Normalized: "business number registration",
		Type:       model.DepRequires,
		Role:       "ceo",
		Keywords:   []string{"business", "number", "registration"},
	}

	got := Candidates(hint, &source, corpus, Options{MinScore: 0.4, MaxResults: 3})
	require.NotEmpty(t, got)
	assert.Equal(t, "TASK-20260827-001", got[0].Task.ID)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i].Score, got[i-1].Score)
	}
	for _, c := range got {
		assert.NotEqual(t, source.ID, c.Task.ID)
		assert.GreaterOrEqual(t, c.Score, 0.4)
	}
}

func TestCandidates_TieBreakByID(t *testing.T) {
	source := model.Task{ID: "TASK-20260827-009"}
	corpus := []model.Task{
		{ID: "TASK-20260827-002", Title: "payroll setup", Agent: "cfo"},
		{ID: "TASK-20260827-001", Title: "payroll setup", Agent: "cfo"},
	}
	hint := model.DependencyHint{
		Match:      "payroll setup",
		Normalized: "payroll setup",
		Type:       model.DepWaitingFor,
		Role:       "cfo",
		Keywords:   []string{"payroll", "setup"},
	}

	got := Candidates(hint, &source, corpus, Options{MinScore: 0.1})
	require.Len(t, got, 2)
	assert.Equal(t, got[0].Score, got[1].Score)
	assert.Equal(t, "TASK-20260827-001", got[0].Task.ID)
	assert.Equal(t, "TASK-20260827-002", got[1].Task.ID)
}
