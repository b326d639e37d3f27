package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
// Level is one of "debug", "info", "warn", "error" (default info).
func New(jsonMode bool, level string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{slog.New(handler)}
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{l.With("component", component)}
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{slog.New(slog.DiscardHandler)}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
