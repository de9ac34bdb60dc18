package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rafi/astra/internal/sidecar"
	"github.com/rafi/astra/internal/tracing"
	"github.com/rafi/astra/pkg/loop"
	"github.com/rafi/astra/pkg/memory"
	"github.com/rafi/astra/pkg/persona"
	"github.com/rafi/astra/pkg/provider"
	"github.com/rafi/astra/pkg/session"
	"github.com/rafi/astra/pkg/subagent"
	"github.com/rafi/astra/pkg/tools"
)

// LoopRunner executes one agent's tool-use loop.
type LoopRunner interface {
	Run(ctx context.Context, params loop.RunParams) (*loop.Result, error)
}

// Turn is one inbound message addressed to an agent. Admission control has
// already happened upstream; every turn handed here is processed.
type Turn struct {
	Identity session.Identity
	AgentID  string
	Text     string
}

// Reply is the orchestrated outcome of one turn.
type Reply struct {
	Text            string
	SessionKey      string
	ExpiredPrevious bool
	Rounds          int
}

// Config holds the dependencies of a Dispatcher.
type Config struct {
	Sessions  *session.Manager
	Loops     LoopRunner
	Agents    subagent.AgentResolver
	Persona   persona.Store
	Memory    memory.Retriever
	Approvals *tools.ApprovalStore
	Sink      sidecar.Sink
	MaxTokens int
	Logger    zerolog.Logger
}

// Dispatcher orchestrates one turn end to end: serialize per identity,
// resolve the session and agent, assemble context, run the loop, and report
// the outcome.
type Dispatcher struct {
	sessions  *session.Manager
	loops     LoopRunner
	agents    subagent.AgentResolver
	persona   persona.Store
	memory    memory.Retriever
	approvals *tools.ApprovalStore
	sink      sidecar.Sink
	maxTokens int
	logger    zerolog.Logger

	// Active turns per session key, for abort.
	activeTurns map[string]context.CancelFunc
	mu          sync.Mutex
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Loops == nil {
		return nil, fmt.Errorf("loop runner is required")
	}
	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent resolver is required")
	}
	if cfg.Persona == nil {
		cfg.Persona = persona.NewStaticStore("", nil)
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.NopRetriever{}
	}
	if cfg.Approvals == nil {
		cfg.Approvals = tools.NewApprovalStore()
	}
	if cfg.Sink == nil {
		cfg.Sink = sidecar.NopSink{}
	}
	return &Dispatcher{
		sessions:    cfg.Sessions,
		loops:       cfg.Loops,
		agents:      cfg.Agents,
		persona:     cfg.Persona,
		memory:      cfg.Memory,
		approvals:   cfg.Approvals,
		sink:        cfg.Sink,
		maxTokens:   cfg.MaxTokens,
		logger:      cfg.Logger,
		activeTurns: make(map[string]context.CancelFunc),
	}, nil
}

// HandleTurn processes one inbound turn. Turns for the same identity are
// strictly serialized; turns for different identities proceed concurrently.
func (d *Dispatcher) HandleTurn(ctx context.Context, turn Turn) (*Reply, error) {
	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.WithSessionKey(ctx, turn.Identity.Key())
	ctx = tracing.WithAgentID(ctx, turn.AgentID)

	ctx, span := tracing.StartSpan(ctx, "astra.agent", "agent.handle_turn",
		attribute.String("agent.id", turn.AgentID),
		attribute.String("session.key", turn.Identity.Key()),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, d.logger)

	guard, err := d.sessions.AcquireLock(ctx, turn.Identity)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer guard.Release()

	rec, expiredPrevious, err := d.sessions.GetOrCreate(ctx, turn.Identity, turn.AgentID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if expiredPrevious {
		// Standing approvals die with the conversation that granted them.
		d.approvals.ClearSession(rec.Key)
		d.sink.Publish(sidecar.Event{
			Type:       sidecar.EventSessionExpired,
			SessionKey: rec.Key,
			TraceID:    tracing.GetTraceID(ctx),
		})
	}

	d.sink.Publish(sidecar.Event{
		Type:       sidecar.EventTurnAccepted,
		SessionKey: rec.Key,
		TraceID:    tracing.GetTraceID(ctx),
		Data:       map[string]interface{}{"agent_id": turn.AgentID},
	})

	spec, ok := d.agents.Resolve(turn.AgentID)
	if !ok {
		err := fmt.Errorf("%w: %s", subagent.ErrUnknownAgent, turn.AgentID)
		span.RecordError(err)
		d.publishFailure(ctx, rec.Key, err)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	d.registerTurn(rec.Key, cancel)
	defer d.unregisterTurn(rec.Key, cancel)

	system := d.assembleSystemPrompt(ctx, logger, spec.ID, turn.Text)
	ctx = subagent.WithDepth(ctx, 0)

	result, err := d.loops.Run(ctx, loop.RunParams{
		Primary:    spec.Model,
		Fallbacks:  spec.Fallbacks,
		System:     system,
		Messages:   []provider.Message{provider.UserText(turn.Text)},
		Tools:      spec.Tools,
		MaxRounds:  spec.MaxRounds,
		MaxTokens:  d.maxTokens,
		SessionKey: rec.Key,
	})
	if err != nil {
		span.RecordError(err)
		d.publishFailure(ctx, rec.Key, err)
		logger.Error().Err(err).Msg("Turn failed")
		return nil, err
	}

	d.sink.Publish(sidecar.Event{
		Type:       sidecar.EventTurnCompleted,
		SessionKey: rec.Key,
		TraceID:    tracing.GetTraceID(ctx),
		Data:       map[string]interface{}{"rounds": result.Rounds},
	})
	logger.Info().Int("rounds", result.Rounds).Msg("Turn completed")

	return &Reply{
		Text:            result.Response.TextContent(),
		SessionKey:      rec.Key,
		ExpiredPrevious: expiredPrevious,
		Rounds:          result.Rounds,
	}, nil
}

// Abort cancels the in-flight turn for a session, if any.
func (d *Dispatcher) Abort(sessionKey string) bool {
	d.mu.Lock()
	cancel, ok := d.activeTurns[sessionKey]
	delete(d.activeTurns, sessionKey)
	d.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	d.logger.Info().Str("session_key", sessionKey).Msg("Turn aborted")
	return true
}

// assembleSystemPrompt combines the agent's persona with recalled memory.
// Memory failures degrade to persona-only context.
func (d *Dispatcher) assembleSystemPrompt(ctx context.Context, logger zerolog.Logger, agentID, query string) string {
	system := d.persona.SystemPrompt(agentID)

	snippets, err := d.memory.Search(ctx, query, 5)
	if err != nil {
		logger.Warn().Err(err).Msg("Memory search failed, continuing without recall")
		return system
	}
	if len(snippets) == 0 {
		return system
	}

	var sb strings.Builder
	sb.WriteString(system)
	sb.WriteString("\n\nRelevant context from memory:\n")
	for _, snip := range snippets {
		sb.WriteString("- ")
		sb.WriteString(snip.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (d *Dispatcher) publishFailure(ctx context.Context, sessionKey string, err error) {
	d.sink.Publish(sidecar.Event{
		Type:       sidecar.EventTurnFailed,
		SessionKey: sessionKey,
		TraceID:    tracing.GetTraceID(ctx),
		Data:       map[string]interface{}{"error": err.Error()},
	})
}

func (d *Dispatcher) registerTurn(sessionKey string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeTurns[sessionKey] = cancel
}

func (d *Dispatcher) unregisterTurn(sessionKey string, cancel context.CancelFunc) {
	// Turns for one identity are serialized by the session lock, so the
	// registered entry is always our own.
	d.mu.Lock()
	delete(d.activeTurns, sessionKey)
	d.mu.Unlock()
	cancel()
}
