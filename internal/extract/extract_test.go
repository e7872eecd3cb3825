package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/model"
)

func findHint(hints []model.DependencyHint, typ model.DependencyType) *model.DependencyHint {
	for i := range hints {
		if hints[i].Type == typ {
			return &hints[i]
		}
	}
	return nil
}

func TestExtract_RequiresPhrase(t *testing.T) {
	e := NewExtractor(nil)
	task := &model.Task{
		ID:          "TASK-20260827-002",
		Title:       "Open corporate bank account",
		Description: "Requires Business Number registration to complete first",
		Agent:       "cto",
	}

	hints := e.Extract(task)
	h := findHint(hints, model.DepRequires)
	require.NotNil(t, h)
	assert.Equal(t, "business number registration", h.Normalized)
	assert.Equal(t, "ceo", h.Role)
	assert.GreaterOrEqual(t, h.Confidence, 0.6)
	assert.Contains(t, h.Keywords, "registration")
}

func TestExtract_TaskIDReference(t *testing.T) {
	e := NewExtractor(nil)
	task := &model.Task{
		ID:    "TASK-20260827-005",
		Title: "Ship landing page",
		Notes: "blocked until TASK-20260827-001 lands, see also DEV-042",
	}

	hints := e.Extract(task)
	var ids []model.DependencyHint
	for _, h := range hints {
		if h.Type == model.DepTaskIDReference {
			ids = append(ids, h)
		}
	}
	require.Len(t, ids, 2)
	for _, h := range ids {
		assert.True(t, h.IsExplicitTaskID)
		assert.Equal(t, 0.95, h.Confidence)
	}
	assert.Equal(t, "TASK-20260827-001", ids[0].Match)
	assert.Equal(t, "DEV-042", ids[1].Match)
}

func TestExtract_SelfReferenceDropped(t *testing.T) {
	e := NewExtractor(nil)
	task := &model.Task{
		ID:    "TASK-20260827-001",
		Title: "Bootstrap",
		Notes: "tracking id TASK-20260827-001",
	}

	hints := e.Extract(task)
	assert.Nil(t, findHint(hints, model.DepTaskIDReference))
}

func TestExtract_WorkflowReference(t *testing.T) {
	e := NewExtractor([]string{"company-formation", "website-launch"})
	task := &model.Task{
		ID:          "TASK-20260827-003",
		Title:       "Announce launch",
		Description: "Part of the website-launch rollout, waiting for the hosting setup",
	}

	hints := e.Extract(task)

	wf := findHint(hints, model.DepWorkflowRef)
	require.NotNil(t, wf)
	assert.True(t, wf.IsWorkflowRef)
	assert.InDelta(t, 0.65, wf.Confidence, 0.11)

	waiting := findHint(hints, model.DepWaitingFor)
	require.NotNil(t, waiting)
	assert.Equal(t, "devops", waiting.Role)
}

func TestExtract_DedupCaseInsensitive(t *testing.T) {
	e := NewExtractor(nil)
	task := &model.Task{
		ID:          "TASK-20260827-004",
		Title:       "Launch",
		Description: "Depends on payroll setup. Also blocked by Payroll Setup.",
	}

	hints := e.Extract(task)
	require.Len(t, hints, 1)
	assert.Equal(t, model.DepDependsOn, hints[0].Type)
	assert.Equal(t, "payroll setup", hints[0].Normalized)
	assert.Equal(t, "cfo", hints[0].Role)
}

func TestExtract_ConfidenceBounds(t *testing.T) {
	e := NewExtractor(nil)
	task := &model.Task{
		ID:          "TASK-20260827-006",
		Title:       "Mixed",
		Description: "Depends on it. Waiting for the full compliance review of every supplier contract signed since incorporation which still needs legal signoff before anything can proceed at all here",
	}

	for _, h := range e.Extract(task) {
		assert.GreaterOrEqual(t, h.Confidence, 0.0, "hint %q", h.Match)
		assert.LessOrEqual(t, h.Confidence, 1.0, "hint %q", h.Match)
	}

	short := findHint(e.Extract(task), model.DepDependsOn)
	require.NotNil(t, short)
	assert.InDelta(t, 0.5, short.Confidence, 0.001) // 0.5 + 0.2 - 0.2 for a short match
}

func TestExtract_EmptyText(t *testing.T) {
	e := NewExtractor(nil)
	assert.Nil(t, e.Extract(&model.Task{ID: "TASK-20260827-007"}))
}
