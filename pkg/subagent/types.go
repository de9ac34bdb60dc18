package subagent

import (
	"context"
	"errors"
	"time"
)

// Status tracks a run through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

var (
	// ErrDepthExceeded is returned when a spawn would exceed the maximum
	// delegation depth. No run record is created.
	ErrDepthExceeded = errors.New("delegation depth exceeded")

	// ErrUnknownAgent is returned when the target agent id has no
	// configuration.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrUnknownRun is returned when a run id has no record.
	ErrUnknownRun = errors.New("unknown run")
)

// Request describes one delegation. Depth is the child's depth, strictly
// parent depth plus one; the delegating tool computes it from context.
type Request struct {
	TargetAgentID string
	Task          string
	ParentRunID   string
	TraceID       string
	Depth         int
	Timeout       time.Duration
}

// Result is the outcome of a finished run.
type Result struct {
	RunID    string
	AgentID  string
	Status   Status
	Output   string
	Err      string
	Duration time.Duration
}

// AgentSpec is the resolved configuration of one agent identity: its model
// policy, prompt, and tool subset.
type AgentSpec struct {
	ID           string
	Model        string
	Fallbacks    []string
	SystemPrompt string
	Tools        []string
	MaxRounds    int
}

// AgentResolver maps agent ids to their specs.
type AgentResolver interface {
	Resolve(agentID string) (AgentSpec, bool)
}

// StaticResolver is an AgentResolver over a fixed map.
type StaticResolver map[string]AgentSpec

// Resolve implements AgentResolver.
func (r StaticResolver) Resolve(agentID string) (AgentSpec, bool) {
	spec, ok := r[agentID]
	return spec, ok
}

type depthKey struct{}

// WithDepth records the current delegation depth on the context.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFromContext returns the current delegation depth, zero for a
// top-level turn.
func DepthFromContext(ctx context.Context) int {
	if depth, ok := ctx.Value(depthKey{}).(int); ok {
		return depth
	}
	return 0
}
