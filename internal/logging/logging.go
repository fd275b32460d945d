// Package logging configures the structured, leveled logger shared by
// every component of the engine.
package logging

import (
	"os"

	"github.com/phuslu/log"
)

// New builds a logger writing level-colored, human-readable lines to
// stderr, at the given level ("debug", "info", "warn", "error").
func New(level string) log.Logger {
	return log.Logger{
		Level:  parseLevel(level),
		Writer: &log.ConsoleWriter{Writer: os.Stderr},
	}
}

func parseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Component returns a child logger tagged with its owning component name,
// so log lines from that component (the engine tags its WAL and manifest
// loggers this way) are filterable.
func Component(base log.Logger, name string) log.Logger {
	child := base
	child.Context = log.NewContext(nil).Str("component", name).Value()
	return child
}
