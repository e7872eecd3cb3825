package model

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Store      StoreConfig      `yaml:"store"`
	Agents     []AgentConfig    `yaml:"agents"`
	Teams      []TeamConfig     `yaml:"teams"`
	Routing    RoutingConfig    `yaml:"routing"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Retry      RetryConfig      `yaml:"retry"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Notify     NotifyConfig     `yaml:"notify"`
	Workflows  []string         `yaml:"workflows"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type StoreConfig struct {
	// Backend selects the task store: "file" (default) or "postgres".
	Backend string `yaml:"backend"`
	// DSN is required for the postgres backend. Empty DSN disables the
	// backend with a warning rather than failing startup.
	DSN string `yaml:"dsn"`
}

type AgentConfig struct {
	Role string `yaml:"role"`
	Team string `yaml:"team"`
	Lead bool   `yaml:"lead"`
}

type TeamConfig struct {
	Name string `yaml:"name"`
	Lead string `yaml:"lead"`
}

type RoutingConfig struct {
	Rules []RoutingRule `yaml:"rules"`
	// Coordinator is the catch-all role when no rule or team lead applies.
	Coordinator       string `yaml:"coordinator"`
	MaxActivePerAgent int    `yaml:"max_active_per_agent"`
	MaxQueuedPerAgent int    `yaml:"max_queued_per_agent"`
}

type RoutingRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords,omitempty"`
	Tag      string   `yaml:"tag,omitempty"`
	Team     string   `yaml:"team,omitempty"`
	Priority *int     `yaml:"priority,omitempty"`
	Assignee string   `yaml:"assignee,omitempty"`
	Agent    string   `yaml:"agent"`
}

type SchedulerConfig struct {
	TickIntervalSec int `yaml:"tick_interval_sec"`
}

type ResolutionConfig struct {
	DependencyIntervalSec int `yaml:"dependency_interval_sec"`
	EscalationIntervalSec int `yaml:"escalation_interval_sec"`
	StaleBlockerHours     int `yaml:"stale_blocker_hours"`
}

type RetryConfig struct {
	MaxRetries   int `yaml:"max_retries"`
	BaseDelaySec int `yaml:"base_delay_sec"`
}

type ExecutorConfig struct {
	// Command is the executable invoked once per tick per task. The task
	// document is passed on stdin; the result document is read from stdout.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

type NotifyConfig struct {
	// Command template for fire-and-forget alerts; empty disables.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
