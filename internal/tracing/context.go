package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// TraceIDKey is the context key for the trace ID.
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the run ID.
	RunIDKey ContextKey = "run_id"
	// AgentIDKey is the context key for the agent ID.
	AgentIDKey ContextKey = "agent_id"
	// SessionKeyKey is the context key for the session key.
	SessionKeyKey ContextKey = "session_key"
)

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithAgentID adds an agent ID to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithSessionKey adds a session key to the context.
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// GetTraceID retrieves the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context.
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetAgentID retrieves the agent ID from the context.
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// GetSessionKey retrieves the session key from the context.
func GetSessionKey(ctx context.Context) string {
	if sessionKey, ok := ctx.Value(SessionKeyKey).(string); ok {
		return sessionKey
	}
	return ""
}

// NewRequestContext creates a context for an inbound turn with a fresh
// trace ID.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// Detach copies the tracing values of ctx onto a fresh background context.
// Used when work must outlive the caller's cancellation scope.
func Detach(ctx context.Context) context.Context {
	detached := context.Background()
	if v := GetTraceID(ctx); v != "" {
		detached = WithTraceID(detached, v)
	}
	if v := GetRunID(ctx); v != "" {
		detached = WithRunID(detached, v)
	}
	if v := GetAgentID(ctx); v != "" {
		detached = WithAgentID(detached, v)
	}
	if v := GetSessionKey(ctx); v != "" {
		detached = WithSessionKey(detached, v)
	}
	return detached
}

// PropagateToSubAgent builds the context for a delegated run. The parent's
// trace ID is carried over (or minted when absent) so the whole delegation
// chain shares one trace, the child's run and agent IDs replace the
// parent's, and the result is detached from the parent's cancellation
// scope so an ending turn does not tear down an awaited child.
func PropagateToSubAgent(ctx context.Context, subAgentID, runID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	child := WithTraceID(Detach(ctx), traceID)
	child = WithRunID(child, runID)
	child = WithAgentID(child, subAgentID)
	return child
}
