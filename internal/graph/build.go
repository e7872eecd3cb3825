package graph

import (
	"github.com/arbiterhq/arbiter/internal/extract"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/resolve"
)

const (
	// minHintConfidence drops weak hints before resolution.
	minHintConfidence = 0.5
	// minCandidateScore drops weak candidate matches.
	minCandidateScore = 0.4
	// maxCandidates bounds how many tasks one hint may link to.
	maxCandidates = 3
)

// Builder turns a task corpus into a dependency graph: extract hints from
// each task, resolve them against the corpus, and add an edge from every
// resolved candidate to the hinting task.
type Builder struct {
	extractor *extract.Extractor
}

func NewBuilder(extractor *extract.Extractor) *Builder {
	return &Builder{extractor: extractor}
}

// Build returns the graph plus the hints that matched no task above the
// score threshold. Edge confidence is the product of hint confidence and
// candidate score.
func (b *Builder) Build(tasks []model.Task) (*Graph, []model.UnresolvedRef) {
	g := New()
	for _, t := range tasks {
		g.AddNode(t)
	}

	var unresolved []model.UnresolvedRef
	for i := range tasks {
		src := &tasks[i]
		for _, hint := range b.extractor.Extract(src) {
			if hint.Confidence < minHintConfidence {
				continue
			}
			cands := resolve.Candidates(hint, src, tasks, resolve.Options{
				MinScore:   minCandidateScore,
				MaxResults: maxCandidates,
			})
			if len(cands) == 0 {
				unresolved = append(unresolved, model.UnresolvedRef{
					TaskID:     src.ID,
					Match:      hint.Match,
					Type:       hint.Type,
					Normalized: hint.Normalized,
				})
				continue
			}
			for _, c := range cands {
				g.AddEdge(model.Edge{
					From:       c.Task.ID,
					To:         src.ID,
					Type:       hint.Type,
					Confidence: hint.Confidence * c.Score,
				})
			}
		}
	}
	return g, unresolved
}
