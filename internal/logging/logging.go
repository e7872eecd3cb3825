// Package logging carries the shared log level and the per-component
// key=value log helper used by the router, engine loops, and daemon.
package logging

import (
	"fmt"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Component is a named logger with a minimum level. A nil Component
// discards everything, so callers never need a nil check.
type Component struct {
	name   string
	logger *log.Logger
	min    Level
}

func NewComponent(name string, logger *log.Logger, min Level) *Component {
	return &Component{name: name, logger: logger, min: min}
}

func (c *Component) Logf(level Level, format string, args ...any) {
	if c == nil || c.logger == nil || level < c.min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, c.name, msg)
}
