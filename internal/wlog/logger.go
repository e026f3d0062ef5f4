// Package wlog wraps log/slog with the structured fields the daemon
// attaches to every log line: component, and where applicable worker
// index, connection id, and listener index.
package wlog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps *slog.Logger with daemon-specific derived-logger helpers.
type Logger struct {
	*slog.Logger
}

// Config controls handler selection and level, mirroring the log_level
// and format knobs a daemon config exposes.
type Config struct {
	Level  string
	Format string // "json" or "text"
	Output io.Writer
}

// New builds a Logger from cfg. A nil cfg.Output defaults to os.Stdout.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// WithWorker returns a derived logger tagging every line with worker_index.
func (l *Logger) WithWorker(index int) *Logger {
	return &Logger{Logger: l.Logger.With("worker_index", index)}
}

// WithConnection returns a derived logger tagging every line with
// connection_id.
func (l *Logger) WithConnection(id uint64) *Logger {
	return &Logger{Logger: l.Logger.With("connection_id", id)}
}

// WithListener returns a derived logger tagging every line with
// listener_index.
func (l *Logger) WithListener(index int) *Logger {
	return &Logger{Logger: l.Logger.With("listener_index", index)}
}

// WithComponent returns a derived logger tagging every line with the
// owning component name (e.g. "pool", "dispatcher", "listener").
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// InfoCtx logs at info level, passing ctx through to the handler the way
// slog.Logger.InfoContext does; kept as a named wrapper so call sites read
// uniformly with the other level helpers.
func (l *Logger) InfoCtx(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, args...)
}

// WarnCtx logs at warn level.
func (l *Logger) WarnCtx(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, args...)
}

// ErrorCtx logs at error level.
func (l *Logger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, args...)
}

// DebugCtx logs at debug level.
func (l *Logger) DebugCtx(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, args...)
}

// ParseLevel maps a config log_level string to a slog.Level, defaulting to
// Info for anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
