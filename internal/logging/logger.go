// Package logging wraps slog.Logger with the field names used by the
// feature index components.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with index-specific helpers.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func New(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewFromConfig builds a logger from a format ("text" or "json") and a level
// name ("debug", "info", "warn", "error").
func NewFromConfig(w io.Writer, format, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return New(slog.NewJSONHandler(w, opts))
	}
	return New(slog.NewTextHandler(w, opts))
}

// Noop returns a Logger that discards everything.
func Noop() *Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTable tags every record with the feature table and geometry column.
func (l *Logger) WithTable(table, column string) *Logger {
	return &Logger{Logger: l.Logger.With("table", table, "column", column)}
}

// WithBackend tags every record with an index backend name.
func (l *Logger) WithBackend(backend string) *Logger {
	return &Logger{Logger: l.Logger.With("backend", backend)}
}

// OrNoop returns l, or a discarding logger when l is nil.
func OrNoop(l *Logger) *Logger {
	if l == nil {
		return Noop()
	}
	return l
}
