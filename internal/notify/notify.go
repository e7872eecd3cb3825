// Package notify delivers fire-and-forget alerts through a configured
// command. Delivery failures are logged by callers, never retried.
package notify

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/arbiterhq/arbiter/internal/model"
)

// Notifier sends a human-facing alert. Implementations must not block on
// user interaction.
type Notifier interface {
	Send(title, message string) error
}

// CommandNotifier invokes the configured command with the title and
// message appended as the final two arguments.
type CommandNotifier struct {
	command string
	args    []string
}

// New returns a notifier for the config, or a no-op one when no command
// is configured.
func New(cfg model.NotifyConfig) Notifier {
	if cfg.Command == "" {
		return NopNotifier{}
	}
	return &CommandNotifier{command: cfg.Command, args: cfg.Args}
}

func (n *CommandNotifier) Send(title, message string) error {
	args := append(append([]string(nil), n.args...), title, message)
	cmd := exec.Command(n.command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify %s: %w: %s", n.command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NopNotifier drops every alert.
type NopNotifier struct{}

func (NopNotifier) Send(string, string) error { return nil }
