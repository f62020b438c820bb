package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds correlation context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RequestID != "" {
		logger = logger.With().Str("request_id", tc.RequestID).Logger()
	}
	if tc.JobID != "" {
		logger = logger.With().Str("job_id", tc.JobID).Logger()
	}
	if tc.WorldID != "" {
		logger = logger.With().Str("world_id", tc.WorldID).Logger()
	}
	if tc.EntityID != "" {
		logger = logger.With().Str("entity_id", tc.EntityID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with correlation context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
