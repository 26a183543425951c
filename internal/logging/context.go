package logging

import (
	"context"
	"log/slog"
	"strings"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID identifies one CLI invocation of the scheduler.
	FieldRunID = "run_id"
	// FieldTaskID is the "package#task" identifier of a task node.
	FieldTaskID = "task_id"
	// FieldPackage is the workspace package name.
	FieldPackage = "package"
	// FieldHash is a task cache key.
	FieldHash = "hash"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step to an operator.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
)

type contextKey int

const (
	runIDKey contextKey = iota
	taskIDKey
)

// WithRunID tags ctx with the scheduler run identifier.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, strings.TrimSpace(runID))
}

// WithTaskID tags ctx with a task node identifier.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, strings.TrimSpace(taskID))
}

func stringFromContext(ctx context.Context, key contextKey) (string, bool) {
	value, ok := ctx.Value(key).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 2)
	if id, ok := stringFromContext(ctx, runIDKey); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if id, ok := stringFromContext(ctx, taskIDKey); ok {
		fields = append(fields, slog.String(FieldTaskID, id))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
