// Package resolve maps dependency hints to concrete tasks. Scoring is
// additive over several signals; callers filter by a minimum score and
// cap the candidate list.
package resolve

import (
	"sort"
	"strings"

	"github.com/arbiterhq/arbiter/internal/model"
)

// Options tunes candidate selection.
type Options struct {
	// MinScore drops candidates below the threshold.
	MinScore float64
	// MaxResults caps the returned list. Zero means no cap.
	MaxResults int
}

// Candidate pairs a task with its match score against a hint.
type Candidate struct {
	Task  model.Task
	Score float64
}

// Candidates scores every task in the corpus against the hint and returns
// the ones at or above opts.MinScore, best first. Ties break on task id
// ascending so results are deterministic. The source task itself is never
// a candidate.
func Candidates(hint model.DependencyHint, source *model.Task, corpus []model.Task, opts Options) []Candidate {
	var out []Candidate
	for _, t := range corpus {
		if t.ID == source.ID {
			continue
		}
		s := Score(hint, &t)
		if s < opts.MinScore {
			continue
		}
		out = append(out, Candidate{Task: t, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Task.ID < out[j].Task.ID
	})
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out
}

// Score rates how well a task matches a hint, clamped to [0, 1]. An exact
// id match is a definitive 1.0; everything else accumulates.
func Score(hint model.DependencyHint, task *model.Task) float64 {
	if strings.EqualFold(hint.Normalized, task.ID) || strings.EqualFold(hint.Match, task.ID) {
		return 1.0
	}

	s := 0.0
	taskText := strings.ToLower(task.Text())
	title := strings.ToLower(task.Title)

	if hint.Role != "" && hint.Role == task.Agent {
		s += 0.2
	}

	if len(hint.Keywords) > 0 {
		taskTokens := tokenSet(taskText)
		matched := 0
		for _, kw := range hint.Keywords {
			if taskTokens[kw] {
				matched++
			}
		}
		s += 0.4 * float64(matched) / float64(len(hint.Keywords))
	}

	if hint.Normalized != "" &&
		(strings.Contains(taskText, hint.Normalized) ||
			(title != "" && strings.Contains(hint.Normalized, title))) {
		s += 0.3
	}

	if hint.IsWorkflowRef && strings.EqualFold(task.Workflow, hint.Normalized) {
		s += 0.25
	}

	s += 0.2 * jaccard(tokenSet(strings.ToLower(hint.Normalized)), tokenSet(taskText))

	if s > 1 {
		return 1
	}
	return s
}

// jaccard computes set overlap over tokens longer than 2 characters.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r == '_' || r == '-':
			return false
		}
		return true
	}) {
		if len(tok) > 2 {
			set[tok] = true
		}
	}
	return set
}
