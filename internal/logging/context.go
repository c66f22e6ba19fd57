package logging

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const (
	// CorrelationIDKey is the key used to store and retrieve correlation IDs from context
	CorrelationIDKey ContextKey = "correlation_id"

	// ExperimentIDKey carries the experiment a handler or poll works on
	ExperimentIDKey ContextKey = "experiment_id"

	// TaskIDKey carries the active task id
	TaskIDKey ContextKey = "task_id"

	// TaskTypeKey carries the active task type
	TaskTypeKey ContextKey = "task_type"
)

// WithCorrelationID returns a new context with the correlation ID set
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// NewCorrelationID generates a new correlation ID if one doesn't exist
// and returns a context with the correlation ID set
func NewCorrelationID(ctx context.Context) (context.Context, string) {
	if id := stringValue(ctx, CorrelationIDKey); id != "" {
		return ctx, id
	}
	id := uuid.New().String()
	return WithCorrelationID(ctx, id), id
}

// WithExperimentID returns a new context with the experiment ID set
func WithExperimentID(ctx context.Context, experimentID string) context.Context {
	return context.WithValue(ctx, ExperimentIDKey, experimentID)
}

// WithTask returns a new context carrying the experiment, id and type of a task
func WithTask(ctx context.Context, experimentID, taskID, taskType string) context.Context {
	ctx = WithExperimentID(ctx, experimentID)
	ctx = context.WithValue(ctx, TaskIDKey, taskID)
	return context.WithValue(ctx, TaskTypeKey, taskType)
}

// GetExperimentID retrieves the experiment ID from the context
func GetExperimentID(ctx context.Context) string {
	return stringValue(ctx, ExperimentIDKey)
}

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string {
	return stringValue(ctx, TaskIDKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// FromContext returns logger with the context's correlation, experiment and
// task fields added
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := make([]zapcore.Field, 0, 4)
	for _, key := range []ContextKey{CorrelationIDKey, ExperimentIDKey, TaskIDKey, TaskTypeKey} {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
