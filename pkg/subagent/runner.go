package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rafi/astra/internal/sidecar"
	"github.com/rafi/astra/internal/tracing"
	"github.com/rafi/astra/pkg/loop"
	"github.com/rafi/astra/pkg/provider"
)

const (
	// DefaultMaxDepth bounds how deep delegation chains may nest.
	DefaultMaxDepth = 3

	// DefaultTimeout bounds one run's execution.
	DefaultTimeout = 2 * time.Minute

	// finalizeGrace is how long WaitResult waits past the run's own
	// timeout before force-finalizing a stuck run.
	finalizeGrace = 5 * time.Second
)

// LoopRunner executes one agent's tool-use loop.
type LoopRunner interface {
	Run(ctx context.Context, params loop.RunParams) (*loop.Result, error)
}

// Config holds the dependencies of a Runner.
type Config struct {
	Loops          LoopRunner
	Agents         AgentResolver
	MaxDepth       int
	DefaultTimeout time.Duration
	Sink           sidecar.Sink
	Logger         zerolog.Logger
}

// Runner spawns bounded-depth, bounded-time child executions. Each run gets
// an independent message list built from the task text only; the parent's
// in-flight conversation is never inherited.
type Runner struct {
	loops          LoopRunner
	agents         AgentResolver
	maxDepth       int
	defaultTimeout time.Duration
	sink           sidecar.Sink
	logger         zerolog.Logger

	runs map[string]*run
	mu   sync.RWMutex
}

type run struct {
	id        string
	agentID   string
	startedAt time.Time
	timeout   time.Duration
	cancel    context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once

	status Status
	result Result
	mu     sync.Mutex
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Loops == nil {
		return nil, fmt.Errorf("loop runner is required")
	}
	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent resolver is required")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = sidecar.NopSink{}
	}
	return &Runner{
		loops:          cfg.Loops,
		agents:         cfg.Agents,
		maxDepth:       cfg.MaxDepth,
		defaultTimeout: cfg.DefaultTimeout,
		sink:           cfg.Sink,
		logger:         cfg.Logger,
		runs:           make(map[string]*run),
	}, nil
}

// Spawn starts a new run. Depth and agent configuration are checked before
// any resource is allocated; a rejected spawn leaves no record behind.
func (r *Runner) Spawn(ctx context.Context, req Request) (string, error) {
	if req.Depth >= r.maxDepth {
		return "", fmt.Errorf("%w: depth %d, max %d", ErrDepthExceeded, req.Depth, r.maxDepth)
	}
	spec, ok := r.agents.Resolve(req.TargetAgentID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, req.TargetAgentID)
	}
	if req.Task == "" {
		return "", fmt.Errorf("task cannot be empty")
	}

	runID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate run ID: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	runCtx := tracing.PropagateToSubAgent(ctx, spec.ID, runID)
	if req.TraceID != "" {
		runCtx = tracing.WithTraceID(runCtx, req.TraceID)
	}
	runCtx = WithDepth(runCtx, req.Depth)
	runCtx, cancel := context.WithTimeout(runCtx, timeout)

	rec := &run{
		id:        runID,
		agentID:   spec.ID,
		startedAt: time.Now(),
		timeout:   timeout,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusPending,
	}

	r.mu.Lock()
	r.runs[runID] = rec
	r.mu.Unlock()

	logger := tracing.LoggerFromContext(runCtx, r.logger)
	logger.Info().
		Str("run_id", runID).
		Str("agent_id", spec.ID).
		Int("depth", req.Depth).
		Dur("timeout", timeout).
		Msg("Sub-agent run spawned")

	r.sink.Publish(sidecar.Event{
		Type:    sidecar.EventSubAgentStarted,
		TraceID: req.TraceID,
		Data: map[string]interface{}{
			"run_id":   runID,
			"agent_id": spec.ID,
			"depth":    req.Depth,
		},
	})

	go r.execute(runCtx, rec, spec, req)

	return runID, nil
}

func (r *Runner) execute(ctx context.Context, rec *run, spec AgentSpec, req Request) {
	defer rec.cancel()

	ctx, span := tracing.StartSpan(ctx, "astra.subagent", "subagent.execute",
		attribute.String("run.id", rec.id),
		attribute.String("agent.id", spec.ID),
	)
	defer span.End()

	rec.setStatus(StatusRunning)

	// An agent that names no tools runs with none. The nil form would
	// advertise the whole registry to a delegated run.
	toolNames := spec.Tools
	if toolNames == nil {
		toolNames = []string{}
	}

	result, err := r.loops.Run(ctx, loop.RunParams{
		Primary:    spec.Model,
		Fallbacks:  spec.Fallbacks,
		System:     spec.SystemPrompt,
		Messages:   []provider.Message{provider.UserText(req.Task)},
		Tools:      toolNames,
		MaxRounds:  spec.MaxRounds,
		SessionKey: "subagent:" + rec.id,
	})

	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		span.RecordError(err)
		rec.finalize(StatusTimedOut, "", fmt.Sprintf("timed out after %s", rec.timeout))
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		rec.finalize(StatusCancelled, "", "cancelled")
	case err != nil:
		span.RecordError(err)
		rec.finalize(StatusFailed, "", err.Error())
	default:
		rec.finalize(StatusCompleted, result.Response.TextContent(), "")
	}

	final := rec.snapshot()
	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().
		Str("run_id", rec.id).
		Str("status", string(final.Status)).
		Dur("duration", final.Duration).
		Msg("Sub-agent run finished")

	r.sink.Publish(sidecar.Event{
		Type:    sidecar.EventSubAgentDone,
		TraceID: req.TraceID,
		Data: map[string]interface{}{
			"run_id":   rec.id,
			"agent_id": rec.agentID,
			"status":   string(final.Status),
		},
	})
}

// WaitResult blocks until the run reaches a terminal status. It never hangs
// past the run's timeout plus a small grace: a run that fails to finalize
// cooperatively by then is force-finalized as timed out.
func (r *Runner) WaitResult(ctx context.Context, runID string) (Result, error) {
	r.mu.RLock()
	rec, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	deadline := time.Until(rec.startedAt.Add(rec.timeout)) + finalizeGrace
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-rec.done:
	case <-timer.C:
		rec.cancel()
		rec.finalize(StatusTimedOut, "", fmt.Sprintf("timed out after %s", rec.timeout))
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	result := rec.snapshot()
	r.discard(runID)
	return result, nil
}

// Cancel cooperatively interrupts a run. The run transitions to Cancelled
// once its in-flight work observes the cancellation.
func (r *Runner) Cancel(runID string) error {
	r.mu.RLock()
	rec, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	rec.cancel()
	return nil
}

// Status returns the current status of a run.
func (r *Runner) Status(runID string) (Status, error) {
	r.mu.RLock()
	rec, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status, nil
}

// discard drops the record of a terminal run once its result is handed over.
func (r *Runner) discard(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

func (rec *run) setStatus(status Status) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status.IsTerminal() {
		return
	}
	rec.status = status
}

// finalize moves the run to a terminal status exactly once.
func (rec *run) finalize(status Status, output, errText string) {
	rec.doneOnce.Do(func() {
		rec.mu.Lock()
		rec.status = status
		rec.result = Result{
			RunID:    rec.id,
			AgentID:  rec.agentID,
			Status:   status,
			Output:   output,
			Err:      errText,
			Duration: time.Since(rec.startedAt),
		}
		rec.mu.Unlock()
		close(rec.done)
	})
}

func (rec *run) snapshot() Result {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.result
}
