// Package agent defines the execution boundary between the scheduler and
// whatever actually performs the work. The daemon ships with a subprocess
// executor; tests inject fakes.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/internal/model"
)

// ExecRequest is one unit of work handed to an executor.
type ExecRequest struct {
	Task    model.Task
	Agent   string
	Attempt int
}

// ExecResult is the executor's verdict. Exactly one of the three shapes
// applies: completed (Outputs set, Blocker nil, Err nil), blocked
// (Blocker set), or failed (Err set).
type ExecResult struct {
	Outputs map[string]string
	Blocker *model.BlockerInfo
	Err     error
}

// Executor performs one task attempt. Implementations must honor ctx
// cancellation between attempts but may let an in-flight attempt finish.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) ExecResult
	Close() error
}

// resultDoc is the YAML document a command executor reads from the
// subprocess stdout.
type resultDoc struct {
	Status  string             `yaml:"status"` // completed | blocked | failed
	Outputs map[string]string  `yaml:"outputs,omitempty"`
	Blocker *model.BlockerInfo `yaml:"blocker,omitempty"`
	Error   string             `yaml:"error,omitempty"`
}

// CommandExecutor runs a configured command once per attempt, writing the
// task document to stdin and parsing the result document from stdout. A
// non-zero exit or unparseable output is a failed attempt.
type CommandExecutor struct {
	command string
	args    []string
}

func NewCommandExecutor(cfg model.ExecutorConfig) (*CommandExecutor, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("executor command is required")
	}
	return &CommandExecutor{command: cfg.Command, args: cfg.Args}, nil
}

func (e *CommandExecutor) Execute(ctx context.Context, req ExecRequest) ExecResult {
	in, err := yamlv3.Marshal(&req.Task)
	if err != nil {
		return ExecResult{Err: fmt.Errorf("encode task %s: %w", req.Task.ID, err)}
	}

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Env = append(cmd.Environ(),
		"ARBITER_TASK_ID="+req.Task.ID,
		"ARBITER_AGENT="+req.Agent,
		fmt.Sprintf("ARBITER_ATTEMPT=%d", req.Attempt),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ExecResult{Err: fmt.Errorf("executor %s task=%s: %w stderr=%s",
			e.command, req.Task.ID, err, trimTail(stderr.String()))}
	}

	var doc resultDoc
	if err := yamlv3.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return ExecResult{Err: fmt.Errorf("parse executor result task=%s: %w", req.Task.ID, err)}
	}

	switch doc.Status {
	case "completed":
		return ExecResult{Outputs: doc.Outputs}
	case "blocked":
		if doc.Blocker == nil {
			return ExecResult{Err: fmt.Errorf("executor reported blocked without blocker task=%s", req.Task.ID)}
		}
		return ExecResult{Blocker: doc.Blocker}
	case "failed":
		msg := doc.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return ExecResult{Err: fmt.Errorf("task=%s: %s", req.Task.ID, msg)}
	default:
		return ExecResult{Err: fmt.Errorf("executor result has unknown status %q task=%s", doc.Status, req.Task.ID)}
	}
}

func (e *CommandExecutor) Close() error { return nil }

func trimTail(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

// Factory builds the executor the daemon runs with.
type Factory func(cfg model.ExecutorConfig) (Executor, error)

// DefaultFactory returns the subprocess executor.
func DefaultFactory(cfg model.ExecutorConfig) (Executor, error) {
	return NewCommandExecutor(cfg)
}
