package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arbiterhq/arbiter/internal/model"
)

func TestNew_EmptyCommandIsNop(t *testing.T) {
	n := New(model.NotifyConfig{})
	if _, ok := n.(NopNotifier); !ok {
		t.Fatalf("expected NopNotifier, got %T", n)
	}
	if err := n.Send("title", "message"); err != nil {
		t.Fatalf("nop send: %v", err)
	}
}

func TestCommandNotifier_AppendsTitleAndMessage(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	n := New(model.NotifyConfig{
		Command: "sh",
		Args:    []string{"-c", `printf '%s|%s' "$1" "$2" > ` + out, "notify"},
	})

	if err := n.Send("task escalated", "TASK-20260827-001 blocked for 26h"); err != nil {
		t.Fatalf("send: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "task escalated") || !strings.Contains(got, "TASK-20260827-001") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestCommandNotifier_Failure(t *testing.T) {
	n := New(model.NotifyConfig{Command: "sh", Args: []string{"-c", "echo nope >&2; exit 1"}})
	err := n.Send("t", "m")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}
