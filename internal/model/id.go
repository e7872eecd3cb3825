package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Readable task ids look like TASK-20260827-003: date-scoped with a
// per-day sequence minted by the store.
var readableIDRegex = regexp.MustCompile(`^TASK-([0-9]{8})-([0-9]{3,})$`)

// Structured ids follow the task_<unix-ts>_<hex8> convention used by
// imported corpora.
var structuredIDRegex = regexp.MustCompile(`^task_[0-9]{10}_[0-9a-f]{8}$`)

// FormatReadableID renders a date-scoped readable task id.
func FormatReadableID(day time.Time, seq int) string {
	return fmt.Sprintf("TASK-%s-%03d", day.UTC().Format("20060102"), seq)
}

// ValidTaskID accepts either the readable or the structured id form.
func ValidTaskID(id string) bool {
	return readableIDRegex.MatchString(id) || structuredIDRegex.MatchString(id)
}

// ParseReadableID extracts the date and sequence from a readable id.
func ParseReadableID(id string) (time.Time, int, error) {
	m := readableIDRegex.FindStringSubmatch(id)
	if m == nil {
		return time.Time{}, 0, fmt.Errorf("invalid readable task id: %s", id)
	}
	day, err := time.Parse("20060102", m[1])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parse id date %q: %w", m[1], err)
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parse id sequence %q: %w", m[2], err)
	}
	return day, seq, nil
}

// NewRecordID returns a fresh id for escalation/decision/ledger records.
func NewRecordID() string {
	return uuid.NewString()
}
