package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rafi/astra/internal/tracing"
	"github.com/rafi/astra/pkg/provider"
	"github.com/rafi/astra/pkg/router"
	"github.com/rafi/astra/pkg/tools"
)

const (
	// DefaultMaxRounds bounds how many model rounds one turn may take.
	DefaultMaxRounds = 10

	// approvalTokenField is the input field carrying a per-call approval
	// token for unsafe tools. It is stripped before schema validation and
	// execution.
	approvalTokenField = "approval_token"
)

var (
	// ErrMaxRounds is returned when the round cap is reached without a
	// text-only response.
	ErrMaxRounds = errors.New("max rounds exceeded without final response")

	// ErrRepeatDetected is returned when the model issues the same tool
	// call in two consecutive rounds.
	ErrRepeatDetected = errors.New("repeated identical tool call detected")
)

// ModelCaller issues one model invocation with fallback semantics.
type ModelCaller interface {
	Chat(ctx context.Context, req router.Request) (*provider.Response, error)
}

// Config holds the dependencies of a Loop.
type Config struct {
	Model     ModelCaller
	Registry  *tools.Registry
	Approvals *tools.ApprovalStore
	Logger    zerolog.Logger
}

// Loop drives repeated model calls, dispatching requested tool invocations
// between rounds until the model produces a text-only response.
type Loop struct {
	model     ModelCaller
	registry  *tools.Registry
	approvals *tools.ApprovalStore
	logger    zerolog.Logger
}

// New creates a Loop from config.
func New(cfg Config) (*Loop, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("model caller is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Approvals == nil {
		cfg.Approvals = tools.NewApprovalStore()
	}
	return &Loop{
		model:     cfg.Model,
		registry:  cfg.Registry,
		approvals: cfg.Approvals,
		logger:    cfg.Logger,
	}, nil
}

// RunParams describes one turn's loop invocation.
type RunParams struct {
	Primary    string
	Fallbacks  []string
	System     string
	Messages   []provider.Message
	Tools      []string
	MaxRounds  int
	MaxTokens  int
	SessionKey string
}

// Result is the outcome of a completed loop run.
type Result struct {
	Response *provider.Response
	Messages []provider.Message
	Rounds   int
}

// Run executes the loop until the model stops requesting tools, the round
// cap is hit, or a repeat pattern is detected. The returned message list
// contains the seed messages plus every assistant/tool-result pair appended
// during the run, so callers can persist the full exchange.
func (l *Loop) Run(ctx context.Context, params RunParams) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "astra.loop", "loop.run",
		attribute.String("model.primary", params.Primary),
		attribute.String("session.key", params.SessionKey),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, l.logger)

	maxRounds := params.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	messages := make([]provider.Message, len(params.Messages))
	copy(messages, params.Messages)

	defs := l.registry.Definitions(params.Tools)
	allowed := make(map[string]bool, len(defs))
	for _, def := range defs {
		allowed[def.Name] = true
	}

	var prevSignatures map[string]bool

	for round := 1; round <= maxRounds; round++ {
		resp, err := l.model.Chat(ctx, router.Request{
			Primary:   params.Primary,
			Fallbacks: params.Fallbacks,
			System:    params.System,
			Messages:  messages,
			MaxTokens: params.MaxTokens,
			Tools:     defs,
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		if !resp.HasToolUse() {
			logger.Debug().Int("rounds", round).Msg("Loop completed with final response")
			return &Result{Response: resp, Messages: messages, Rounds: round}, nil
		}

		toolUses := resp.AssistantMessage().ToolUses()

		signatures := make(map[string]bool, len(toolUses))
		for _, tu := range toolUses {
			signatures[callSignature(tu.Name, tu.Input)] = true
		}
		if repeats(prevSignatures, signatures) {
			logger.Warn().Int("round", round).Msg("Identical tool call repeated across rounds")
			span.RecordError(ErrRepeatDetected)
			return nil, ErrRepeatDetected
		}

		messages = append(messages, resp.AssistantMessage())
		messages = append(messages, l.dispatchAll(ctx, logger, params.SessionKey, allowed, toolUses))

		prevSignatures = signatures
	}

	span.RecordError(ErrMaxRounds)
	return nil, fmt.Errorf("%w after %d rounds", ErrMaxRounds, maxRounds)
}

// dispatchAll executes every requested tool call concurrently and collects
// the results, in request order, into a single user message.
func (l *Loop) dispatchAll(ctx context.Context, logger zerolog.Logger, sessionKey string, allowed map[string]bool, toolUses []provider.ContentBlock) provider.Message {
	results := make([]provider.ContentBlock, len(toolUses))

	var wg sync.WaitGroup
	for i, tu := range toolUses {
		wg.Add(1)
		go func(i int, tu provider.ContentBlock) {
			defer wg.Done()
			results[i] = l.dispatchOne(ctx, logger, sessionKey, allowed, tu)
		}(i, tu)
	}
	wg.Wait()

	return provider.Message{Role: provider.RoleUser, Content: results}
}

// dispatchOne executes a single tool call, applying risk gating. Every
// failure mode becomes an error-flagged result so the model can recover.
func (l *Loop) dispatchOne(ctx context.Context, logger zerolog.Logger, sessionKey string, allowed map[string]bool, tu provider.ContentBlock) provider.ContentBlock {
	risk, registered := l.registry.Risk(tu.Name)
	if !registered || !allowed[tu.Name] {
		logger.Warn().Str("tool", tu.Name).Msg("Model requested unknown tool")
		return provider.ToolResultBlock(tu.ID, fmt.Sprintf("unknown tool: %s", tu.Name), true)
	}

	input, token := stripApprovalToken(tu.Input)

	switch risk {
	case tools.RiskGuarded:
		if !l.approvals.HasStanding(sessionKey, tu.Name) {
			logger.Info().Str("tool", tu.Name).Msg("Guarded tool blocked without standing approval")
			return provider.ToolResultBlock(tu.ID,
				fmt.Sprintf("approval required: %s is a guarded tool and this session has no standing approval for it", tu.Name), true)
		}
	case tools.RiskUnsafe:
		if token == "" || !l.approvals.ConsumeCallToken(token, tu.Name) {
			logger.Info().Str("tool", tu.Name).Msg("Unsafe tool blocked without call approval")
			return provider.ToolResultBlock(tu.ID,
				fmt.Sprintf("approval required: %s needs an explicit per-call approval token", tu.Name), true)
		}
	}

	output, err := l.registry.Dispatch(ctx, tu.Name, input)
	if err != nil {
		logger.Warn().Err(err).Str("tool", tu.Name).Msg("Tool execution failed")
		return provider.ToolResultBlock(tu.ID, err.Error(), true)
	}

	logger.Debug().Str("tool", tu.Name).Msg("Tool executed")
	return provider.ToolResultBlock(tu.ID, output, false)
}

// stripApprovalToken removes the approval token field from tool input so it
// never reaches schema validation or the executor.
func stripApprovalToken(input map[string]interface{}) (map[string]interface{}, string) {
	token, ok := input[approvalTokenField].(string)
	if !ok {
		return input, ""
	}
	stripped := make(map[string]interface{}, len(input)-1)
	for k, v := range input {
		if k == approvalTokenField {
			continue
		}
		stripped[k] = v
	}
	return stripped, token
}

// callSignature identifies a (tool, input) pair for repeat detection. JSON
// marshalling sorts map keys, giving a stable form for equal inputs.
func callSignature(name string, input map[string]interface{}) string {
	stripped, _ := stripApprovalToken(input)
	raw, err := json.Marshal(stripped)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", stripped))
	}
	return name + "\x00" + string(raw)
}

// repeats reports whether any call signature from the previous round is
// issued again in the current round.
func repeats(prev, current map[string]bool) bool {
	for sig := range current {
		if prev[sig] {
			return true
		}
	}
	return false
}
