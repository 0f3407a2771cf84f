// Package observability carries request-scoped log attributes on a context
// and logs through slog with them attached.
package observability

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/worktreed/internal/logfields"
)

// LogContext holds structured logging context information.
type LogContext struct {
	TaskRunID string
	TeamScope string
	Operation string
	RequestID string
}

type logContextKeyType string

const logContextKey logContextKeyType = "log-context"

// WithTaskRunID adds a task run ID to the context.
func WithTaskRunID(ctx context.Context, id string) context.Context {
	lc := extractLogContext(ctx)
	lc.TaskRunID = id
	return context.WithValue(ctx, logContextKey, lc)
}

// WithTeamScope adds a team scope to the context.
func WithTeamScope(ctx context.Context, team string) context.Context {
	lc := extractLogContext(ctx)
	lc.TeamScope = team
	return context.WithValue(ctx, logContextKey, lc)
}

// WithOperation adds the current operation name to the context.
func WithOperation(ctx context.Context, op string) context.Context {
	lc := extractLogContext(ctx)
	lc.Operation = op
	return context.WithValue(ctx, logContextKey, lc)
}

// WithRequestID adds an HTTP request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	lc := extractLogContext(ctx)
	lc.RequestID = id
	return context.WithValue(ctx, logContextKey, lc)
}

func extractLogContext(ctx context.Context) LogContext {
	if lc, ok := ctx.Value(logContextKey).(LogContext); ok {
		return lc
	}
	return LogContext{}
}

// GetContext returns the structured log context from the provided context.
func GetContext(ctx context.Context) LogContext {
	return extractLogContext(ctx)
}

func getLogAttrs(ctx context.Context) []slog.Attr {
	lc := extractLogContext(ctx)
	attrs := make([]slog.Attr, 0, 4)
	if lc.TaskRunID != "" {
		attrs = append(attrs, logfields.TaskRunID(lc.TaskRunID))
	}
	if lc.TeamScope != "" {
		attrs = append(attrs, logfields.TeamScope(lc.TeamScope))
	}
	if lc.Operation != "" {
		attrs = append(attrs, logfields.Operation(lc.Operation))
	}
	if lc.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", lc.RequestID))
	}
	return attrs
}

func logAt(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	all := append(getLogAttrs(ctx), attrs...)
	slog.LogAttrs(ctx, level, msg, all...)
}

// InfoContext logs an info message with context information.
func InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAt(ctx, slog.LevelInfo, msg, attrs)
}

// WarnContext logs a warning message with context information.
func WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAt(ctx, slog.LevelWarn, msg, attrs)
}

// ErrorContext logs an error message with context information.
func ErrorContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAt(ctx, slog.LevelError, msg, attrs)
}

// DebugContext logs a debug message with context information.
func DebugContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAt(ctx, slog.LevelDebug, msg, attrs)
}
