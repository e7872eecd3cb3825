package model

import "testing"

func TestValidateTaskTransition_Allowed(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusQueued, StatusActive},
		{StatusActive, StatusCompleted},
		{StatusActive, StatusFailed},
		{StatusActive, StatusQueued},
		{StatusActive, StatusBlockedAgent},
		{StatusActive, StatusBlockedDecision},
		{StatusActive, StatusBlockedAuth},
		{StatusActive, StatusBlockedPayment},
		{StatusBlockedAgent, StatusQueued},
		{StatusBlockedDecision, StatusQueued},
	}
	for _, c := range cases {
		if err := ValidateTaskTransition(c.from, c.to); err != nil {
			t.Errorf("%s → %s should be allowed: %v", c.from, c.to, err)
		}
	}
}

func TestValidateTaskTransition_Rejected(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusQueued, StatusCompleted},
		{StatusQueued, StatusBlockedAgent},
		{StatusBlockedAgent, StatusActive},
		{StatusBlockedAgent, StatusCompleted},
		{StatusCompleted, StatusQueued},
		{StatusFailed, StatusActive},
	}
	for _, c := range cases {
		if err := ValidateTaskTransition(c.from, c.to); err == nil {
			t.Errorf("%s → %s should be rejected", c.from, c.to)
		}
	}
}

func TestTerminalAndBlocked(t *testing.T) {
	if !IsTerminal(StatusCompleted) || !IsTerminal(StatusFailed) {
		t.Error("completed and failed must be terminal")
	}
	if IsTerminal(StatusBlockedAuth) {
		t.Error("blocked_auth is not terminal")
	}
	for _, s := range []Status{StatusBlockedAgent, StatusBlockedDecision, StatusBlockedAuth, StatusBlockedPayment} {
		if !IsBlocked(s) {
			t.Errorf("%s should be blocked", s)
		}
	}
	if IsBlocked(StatusQueued) {
		t.Error("queued is not blocked")
	}
}

func TestStatusForBlocker(t *testing.T) {
	cases := map[BlockerKind]Status{
		BlockerAgent:    StatusBlockedAgent,
		BlockerDecision: StatusBlockedDecision,
		BlockerAuth:     StatusBlockedAuth,
		BlockerPayment:  StatusBlockedPayment,
	}
	for kind, want := range cases {
		got, err := StatusForBlocker(kind)
		if err != nil {
			t.Fatalf("StatusForBlocker(%s): %v", kind, err)
		}
		if got != want {
			t.Errorf("StatusForBlocker(%s) = %s, want %s", kind, got, want)
		}
	}
	if _, err := StatusForBlocker("weather"); err == nil {
		t.Error("unknown blocker kind should error")
	}
}

func TestHasEscalation(t *testing.T) {
	task := Task{
		History: []HistoryEntry{
			{Kind: HistoryBlocked},
			{Kind: HistoryEscalated, Detail: map[string]string{"type": EscalationStaleBlocker}},
		},
	}
	if !task.HasEscalation(EscalationStaleBlocker) {
		t.Error("expected stale_blocker escalation to be found")
	}
	if task.HasEscalation(EscalationDependencyFailed) {
		t.Error("dependency_failed escalation should not be found")
	}
}
