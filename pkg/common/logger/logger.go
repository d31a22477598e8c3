package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// level is shared by every handler created through this package so that
// Initialize can change verbosity after loggers were handed out.
var level = new(slog.LevelVar)

// Global logger instance
var std = newLogger(os.Stdout)

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Initialize sets up the global logger level based on input string (e.g., "debug", "info", "warn", "error")
func Initialize(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// SetOutput redirects the global logger, mostly useful in tests.
func SetOutput(w io.Writer) {
	std = newLogger(w)
}

// Default returns the global logger.
func Default() *slog.Logger { return std }

type ctxKey struct{}

// Into stores a request-scoped logger in ctx.
func Into(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the request-scoped logger, or the global one.
func From(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return std
}

// Audit records a security-relevant rejection. The precise reason goes to the
// log only; callers answer the client with a generic message.
func Audit(ctx context.Context, event string, args ...any) {
	From(ctx).Warn(event, append([]any{slog.Bool("audit", true)}, args...)...)
}

func logf(lvl slog.Level, format string, v ...interface{}) {
	if !std.Enabled(context.Background(), lvl) {
		return
	}
	std.Log(context.Background(), lvl, fmt.Sprintf(format, v...))
}

// Package-level helpers
func Debug(format string, v ...interface{}) { logf(slog.LevelDebug, format, v...) }
func Info(format string, v ...interface{})  { logf(slog.LevelInfo, format, v...) }
func Warn(format string, v ...interface{})  { logf(slog.LevelWarn, format, v...) }
func Error(format string, v ...interface{}) { logf(slog.LevelError, format, v...) }
