package model

import "fmt"

type Status string

const (
	StatusQueued          Status = "queued"
	StatusActive          Status = "active"
	StatusBlockedAgent    Status = "blocked_agent"
	StatusBlockedDecision Status = "blocked_decision"
	StatusBlockedAuth     Status = "blocked_auth"
	StatusBlockedPayment  Status = "blocked_payment"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

var blockedStatuses = map[Status]bool{
	StatusBlockedAgent:    true,
	StatusBlockedDecision: true,
	StatusBlockedAuth:     true,
	StatusBlockedPayment:  true,
}

// Task status transitions: queued ↔ active → terminal, active → blocked_*.
// blocked_* → queued is performed only by the resolution engine.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusActive: true,
	},
	StatusActive: {
		StatusQueued:          true, // executor error → retry
		StatusCompleted:       true,
		StatusFailed:          true,
		StatusBlockedAgent:    true,
		StatusBlockedDecision: true,
		StatusBlockedAuth:     true,
		StatusBlockedPayment:  true,
	},
	StatusBlockedAgent: {
		StatusQueued: true,
	},
	StatusBlockedDecision: {
		StatusQueued: true,
	},
	StatusBlockedAuth: {
		StatusQueued: true,
	},
	StatusBlockedPayment: {
		StatusQueued: true,
	},
}

// BlockedStatuses returns the four blocked statuses, for list filters.
func BlockedStatuses() []Status {
	return []Status{StatusBlockedAgent, StatusBlockedDecision, StatusBlockedAuth, StatusBlockedPayment}
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsBlocked(s Status) bool {
	return blockedStatuses[s]
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

// BlockerKind identifies why a task cannot proceed.
type BlockerKind string

const (
	BlockerAgent    BlockerKind = "agent"
	BlockerDecision BlockerKind = "decision"
	BlockerAuth     BlockerKind = "auth"
	BlockerPayment  BlockerKind = "payment"
)

var blockerStatus = map[BlockerKind]Status{
	BlockerAgent:    StatusBlockedAgent,
	BlockerDecision: StatusBlockedDecision,
	BlockerAuth:     StatusBlockedAuth,
	BlockerPayment:  StatusBlockedPayment,
}

// StatusForBlocker maps a blocker kind to its blocked status (1:1).
func StatusForBlocker(kind BlockerKind) (Status, error) {
	s, ok := blockerStatus[kind]
	if !ok {
		return "", fmt.Errorf("unknown blocker kind %q", kind)
	}
	return s, nil
}
