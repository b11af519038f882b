// Package logging wraps log/slog with the field names used across the service.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with light-field specific helpers.
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

// NewJSON creates a Logger that writes JSON records to w.
func NewJSON(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewText creates a Logger that writes human-readable records to w.
func NewText(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// FromConfig builds a logger from the "text"/"json" format and level names
// stored in the config file. Unknown values fall back to text and info.
func FromConfig(format, level string) *Logger {
	lvl := ParseLevel(level)
	if strings.EqualFold(format, "json") {
		return NewJSON(os.Stderr, lvl)
	}
	return NewText(os.Stderr, lvl)
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Noop creates a Logger that discards all output.
func Noop() *Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// WithJob adds the job id to every record.
func (l *Logger) WithJob(id string) *Logger {
	return &Logger{Logger: l.Logger.With("job", id)}
}

// WithSource adds the light-field source to every record.
func (l *Logger) WithSource(src string) *Logger {
	return &Logger{Logger: l.Logger.With("source", src)}
}

// WithComponent tags records with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// LogQuery logs the end of a correspondence query.
func (l *Logger) LogQuery(ctx context.Context, reference, x, y, views int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "correspondence query failed",
			"reference", reference,
			"x", x,
			"y", y,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "correspondence query completed",
		"reference", reference,
		"x", x,
		"y", y,
		"views", views,
	)
}

// LogViewResult logs the outcome of one directional walk.
func (l *Logger) LogViewResult(ctx context.Context, view int, outcome string, steps int, score float64) {
	l.DebugContext(ctx, "view searched",
		"view", view,
		"outcome", outcome,
		"steps", steps,
		"score", score,
	)
}

// LogJob logs a job state transition.
func (l *Logger) LogJob(ctx context.Context, id, state string, err error) {
	if err != nil {
		l.WarnContext(ctx, "job state change failed",
			"job", id,
			"state", state,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "job state changed",
		"job", id,
		"state", state,
	)
}
