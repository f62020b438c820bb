package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RequestIDKey is the context key for the per-call request ID
	RequestIDKey ContextKey = "request_id"
	// JobIDKey is the context key for the generation job being processed
	JobIDKey ContextKey = "job_id"
	// WorldIDKey is the context key for the world scoping an operation
	WorldIDKey ContextKey = "world_id"
	// EntityIDKey is the context key for the entity an operation concerns
	EntityIDKey ContextKey = "entity_id"
)

// TraceContext holds correlation information for one operation
type TraceContext struct {
	TraceID   string
	RequestID string
	JobID     string
	WorldID   string
	EntityID  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithJobID adds a generation job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// WithWorldID adds a world ID to the context
func WithWorldID(ctx context.Context, worldID string) context.Context {
	return context.WithValue(ctx, WorldIDKey, worldID)
}

// WithEntityID adds an entity ID to the context
func WithEntityID(ctx context.Context, entityID string) context.Context {
	return context.WithValue(ctx, EntityIDKey, entityID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetJobID retrieves the generation job ID from the context
func GetJobID(ctx context.Context) string {
	if jobID, ok := ctx.Value(JobIDKey).(string); ok {
		return jobID
	}
	return ""
}

// GetWorldID retrieves the world ID from the context
func GetWorldID(ctx context.Context) string {
	if worldID, ok := ctx.Value(WorldIDKey).(string); ok {
		return worldID
	}
	return ""
}

// GetEntityID retrieves the entity ID from the context
func GetEntityID(ctx context.Context) string {
	if entityID, ok := ctx.Value(EntityIDKey).(string); ok {
		return entityID
	}
	return ""
}

// FromContext extracts all correlation information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RequestID: GetRequestID(ctx),
		JobID:     GetJobID(ctx),
		WorldID:   GetWorldID(ctx),
		EntityID:  GetEntityID(ctx),
	}
}

// NewRequestContext creates a context for an exposed operation with a
// fresh trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
