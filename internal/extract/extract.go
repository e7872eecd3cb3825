// Package extract scans task text for dependency hints. A hint records
// the matched phrase, its dependency type, and a confidence score; the
// resolve package later maps hints to concrete tasks.
package extract

import (
	"strings"

	"github.com/arbiterhq/arbiter/internal/model"
)

// Extractor holds the pattern ruleset and the workflow names known to the
// project. Zero-value is not usable; build one with NewExtractor.
type Extractor struct {
	rules     []Rule
	workflows []string
}

// NewExtractor returns an extractor with the default ruleset. workflows
// lists the project's workflow names, matched as case-insensitive
// literals.
func NewExtractor(workflows []string) *Extractor {
	return &Extractor{
		rules:     DefaultRules(),
		workflows: workflows,
	}
}

// Extract returns the dependency hints found in the task's combined text,
// in extraction order: phrase rules first, then identifier references,
// then workflow references. Duplicate matches (case-insensitive on the
// normalized text) keep the first occurrence. Self-references to the
// task's own id are dropped.
func (e *Extractor) Extract(task *model.Task) []model.DependencyHint {
	text := task.Text()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var hints []model.DependencyHint
	seen := make(map[string]bool)

	add := func(h model.DependencyHint) {
		key := strings.ToLower(h.Normalized)
		if key == "" || seen[key] {
			return
		}
		if strings.EqualFold(h.Normalized, task.ID) && !h.IsExplicitTaskID {
			return
		}
		seen[key] = true
		hints = append(hints, h)
	}

	for _, rule := range e.rules {
		for _, m := range rule.Pattern.FindAllStringSubmatch(text, -1) {
			match := strings.TrimSpace(m[1])
			if match == "" {
				continue
			}
			h := model.DependencyHint{
				Match:      match,
				Type:       rule.Type,
				Normalized: normalize(match),
				Role:       inferRole(match),
				Keywords:   keywords(match),
			}
			h.Confidence = score(h)
			add(h)
		}
	}

	for _, pat := range idPatterns {
		for _, m := range pat.FindAllString(text, -1) {
			if strings.EqualFold(m, task.ID) {
				continue
			}
			h := model.DependencyHint{
				Match:            m,
				Type:             model.DepTaskIDReference,
				Normalized:       m,
				Confidence:       0.95,
				IsExplicitTaskID: true,
			}
			add(h)
		}
	}

	lower := strings.ToLower(text)
	for _, wf := range e.workflows {
		if wf == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(wf)) {
			h := model.DependencyHint{
				Match:         wf,
				Type:          model.DepWorkflowRef,
				Normalized:    normalize(wf),
				Keywords:      keywords(wf),
				IsWorkflowRef: true,
			}
			h.Confidence = score(h)
			add(h)
		}
	}

	return hints
}

// score assigns a confidence in [0, 1]. Explicit task-id references are
// scored at a fixed 0.95 before this is called.
func score(h model.DependencyHint) float64 {
	c := 0.5
	switch h.Type {
	case model.DepBlockedBy, model.DepDependsOn, model.DepRequires:
		c += 0.2
	}
	if h.IsWorkflowRef {
		c += 0.15
	}
	if h.Role != "" {
		c += 0.1
	}
	if len(h.Match) < 5 {
		c -= 0.2
	} else if len(h.Match) > 100 {
		c -= 0.1
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// inferRole maps a matched phrase to the role that likely owns the work.
// Phrase table first, then bare role names.
func inferRole(match string) string {
	lower := strings.ToLower(match)
	for _, rp := range rolePhrases {
		if strings.Contains(lower, rp.Phrase) {
			return rp.Role
		}
	}
	for _, role := range roleTokens {
		for _, tok := range tokenize(lower) {
			if tok == role {
				return role
			}
		}
	}
	return ""
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".,;:!?")
	return strings.Join(strings.Fields(s), " ")
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "are": true, "was": true, "has": true,
	"have": true, "been": true, "will": true, "its": true, "our": true,
	"all": true, "any": true, "can": true, "not": true, "but": true,
}

// keywords returns up to 10 lowercase tokens longer than 2 characters,
// excluding stopwords, in order of first appearance.
func keywords(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range tokenize(strings.ToLower(s)) {
		if len(tok) <= 2 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if len(out) == 10 {
			break
		}
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			return false
		case r >= '0' && r <= '9':
			return false
		case r == '_' || r == '-':
			return false
		}
		return true
	})
}
