package model

// DependencyType classifies how one task's text references another.
type DependencyType string

const (
	DepDependsOn        DependencyType = "depends_on"
	DepRequires         DependencyType = "requires"
	DepAfterCompletion  DependencyType = "after_completion"
	DepBlockedBy        DependencyType = "blocked_by"
	DepNeedsFirst       DependencyType = "needs_first"
	DepWaitingFor       DependencyType = "waiting_for"
	DepWhenComplete     DependencyType = "when_complete"
	DepCannotStartUntil DependencyType = "cannot_start_until"
	DepPrerequisite     DependencyType = "prerequisite"
	DepTaskIDReference  DependencyType = "task_id_reference"
	DepWorkflowRef      DependencyType = "workflow_reference"
)

// DependencyHint is an extracted, unconfirmed signal that a task's text
// references another task or prerequisite. Hints are ephemeral; they are
// persisted only when promoted to an Edge.
type DependencyHint struct {
	Match            string
	Type             DependencyType
	Normalized       string
	Role             string // inferred owning role, empty if unknown
	Confidence       float64
	Keywords         []string
	IsExplicitTaskID bool
	IsWorkflowRef    bool
}

// Edge is a confirmed, confidence-scored directed dependency: From must
// finish before To can proceed.
type Edge struct {
	From       string         `yaml:"from"`
	To         string         `yaml:"to"`
	Type       DependencyType `yaml:"type"`
	Confidence float64        `yaml:"confidence"`
}

// UnresolvedRef records a hint that matched no candidate task. Kept for
// reporting; never committed as an edge with a dangling endpoint.
type UnresolvedRef struct {
	TaskID     string         `yaml:"task_id"`
	Match      string         `yaml:"match"`
	Type       DependencyType `yaml:"type"`
	Normalized string         `yaml:"normalized"`
}
