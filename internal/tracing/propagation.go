package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext creates a logger annotated with the tracing fields
// present in the context.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if v := GetTraceID(ctx); v != "" {
		baseLogger = baseLogger.With().Str("trace_id", v).Logger()
	}
	if v := GetRunID(ctx); v != "" {
		baseLogger = baseLogger.With().Str("run_id", v).Logger()
	}
	if v := GetAgentID(ctx); v != "" {
		baseLogger = baseLogger.With().Str("agent_id", v).Logger()
	}
	if v := GetSessionKey(ctx); v != "" {
		baseLogger = baseLogger.With().Str("session_key", v).Logger()
	}
	return baseLogger
}
