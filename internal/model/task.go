// Package model defines the data structures for Arbiter's tasks, blockers,
// configuration, and dependency records.
package model

// Task is a unit of assignable, trackable work owned by one agent.
type Task struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Notes       string `yaml:"notes,omitempty"`

	Agent    string   `yaml:"agent"`
	Team     string   `yaml:"team,omitempty"`
	Tags     []string `yaml:"tags,omitempty"`
	Workflow string   `yaml:"workflow,omitempty"`
	Priority int      `yaml:"priority"`

	Status     Status       `yaml:"status"`
	Retries    int          `yaml:"retries"`
	MaxRetries int          `yaml:"max_retries"`
	NotBefore  *string      `yaml:"not_before,omitempty"` // advisory retry cooldown
	Blocker    *BlockerInfo `yaml:"blocker,omitempty"`

	// RetryOnDepFailure opts the task into automatic requeue when a
	// blocking task fails. Without it, a failed dependency escalates.
	RetryOnDepFailure bool `yaml:"retry_on_dep_failure,omitempty"`

	CreatedAt   string  `yaml:"created_at"`
	StartedAt   *string `yaml:"started_at,omitempty"`
	BlockedAt   *string `yaml:"blocked_at,omitempty"`
	UnblockedAt *string `yaml:"unblocked_at,omitempty"`
	EscalatedAt *string `yaml:"escalated_at,omitempty"`
	CompletedAt *string `yaml:"completed_at,omitempty"`
	FailedAt    *string `yaml:"failed_at,omitempty"`
	UpdatedAt   string  `yaml:"updated_at"`

	Outputs map[string]string `yaml:"outputs,omitempty"`

	// History is an append-only event log. Resolution and escalation
	// records are appended, never overwritten.
	History []HistoryEntry `yaml:"history,omitempty"`
}

// Text returns the concatenated free-text fields used for dependency
// extraction.
func (t *Task) Text() string {
	s := t.Title
	if t.Description != "" {
		s += " " + t.Description
	}
	if t.Notes != "" {
		s += " " + t.Notes
	}
	return s
}

// HasEscalation reports whether an escalation of the given type has already
// been recorded in the task's history.
func (t *Task) HasEscalation(escType string) bool {
	for _, h := range t.History {
		if h.Kind == HistoryEscalated && h.Detail["type"] == escType {
			return true
		}
	}
	return false
}

// HistoryEntry is one record in a task's append-only history log.
type HistoryEntry struct {
	At     string            `yaml:"at"`
	Kind   HistoryKind       `yaml:"kind"`
	Detail map[string]string `yaml:"detail,omitempty"`
}

type HistoryKind string

const (
	HistoryRouted    HistoryKind = "routed"
	HistoryStarted   HistoryKind = "started"
	HistoryCompleted HistoryKind = "completed"
	HistoryBlocked   HistoryKind = "blocked"
	HistoryUnblocked HistoryKind = "unblocked"
	HistoryRetried   HistoryKind = "retried"
	HistoryFailed    HistoryKind = "failed"
	HistoryEscalated HistoryKind = "escalated"
	HistoryDecision  HistoryKind = "decision"
)

// BlockerInfo describes why a task is blocked. Owned by exactly one task at
// a time; cleared on unblock.
type BlockerInfo struct {
	Kind BlockerKind `yaml:"kind"`
	// TaskID is the blocking task for kind=agent.
	TaskID string `yaml:"task_id,omitempty"`
	// DecisionID and Options apply to kind=decision.
	DecisionID string   `yaml:"decision_id,omitempty"`
	Options    []string `yaml:"options,omitempty"`
	Reason     string   `yaml:"reason,omitempty"`
}

// Escalation raises visibility on a stale or failed blocker. It never
// resolves the blocker itself.
type Escalation struct {
	ID           string `yaml:"id"`
	TaskID       string `yaml:"task_id"`
	Type         string `yaml:"type"` // stale_blocker | dependency_failed
	Reason       string `yaml:"reason"`
	BlockedSince string `yaml:"blocked_since,omitempty"`
	CreatedAt    string `yaml:"created_at"`
}

const (
	EscalationStaleBlocker     = "stale_blocker"
	EscalationDependencyFailed = "dependency_failed"
)

// Decision is a pending choice that blocks a task until an external
// authority resolves it.
type Decision struct {
	ID         string   `yaml:"id"`
	TaskID     string   `yaml:"task_id"`
	Prompt     string   `yaml:"prompt"`
	Options    []string `yaml:"options"`
	Status     string   `yaml:"status"` // pending | resolved
	Chosen     string   `yaml:"chosen,omitempty"`
	Notes      string   `yaml:"notes,omitempty"`
	CreatedAt  string   `yaml:"created_at"`
	ResolvedAt *string  `yaml:"resolved_at,omitempty"`
}

const (
	DecisionPending  = "pending"
	DecisionResolved = "resolved"
)

// DependencyRow is one entry in the secondary dependency ledger. It is a
// reporting record, independent of the blocker state machine.
type DependencyRow struct {
	ID         string  `yaml:"id"`
	TaskID     string  `yaml:"task_id"`
	DependsOn  string  `yaml:"depends_on"`
	Type       string  `yaml:"type"`
	Confidence float64 `yaml:"confidence"`
	Resolved   bool    `yaml:"resolved"`
	CreatedAt  string  `yaml:"created_at"`
	ResolvedAt *string `yaml:"resolved_at,omitempty"`
}
