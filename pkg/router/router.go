package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rafi/astra/internal/tracing"
	"github.com/rafi/astra/pkg/provider"
)

// ErrNoCandidate is returned when every candidate in the chain failed.
var ErrNoCandidate = errors.New("no model candidate available")

// Request contains the parameters for one routed model call.
type Request struct {
	Primary     string
	Fallbacks   []string
	System      string
	Messages    []provider.Message
	MaxTokens   int
	Temperature float64
	Tools       []provider.ToolDefinition
}

// Config holds router configuration.
type Config struct {
	Pool       *provider.Pool
	Snapshot   func() Snapshot
	RetryBound int
	Backoff    time.Duration
	Logger     zerolog.Logger
}

// Router resolves model aliases and executes chat or streaming calls with
// per-candidate retry and candidate-chain fallback.
type Router struct {
	pool       *provider.Pool
	snapshot   func() Snapshot
	retryBound int
	backoff    time.Duration
	logger     zerolog.Logger
}

// New creates a new router.
func New(cfg Config) (*Router, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("provider pool is required")
	}
	if cfg.Snapshot == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	if cfg.RetryBound <= 0 {
		cfg.RetryBound = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}

	return &Router{
		pool:       cfg.Pool,
		snapshot:   cfg.Snapshot,
		retryBound: cfg.RetryBound,
		backoff:    cfg.Backoff,
		logger:     cfg.Logger,
	}, nil
}

// Chat executes a chat call against the first candidate that succeeds.
func (r *Router) Chat(ctx context.Context, req Request) (*provider.Response, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"astra.router",
		"router.chat",
		attribute.String("primary", req.Primary),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	// One consistent snapshot for the whole candidate chain.
	snap := r.snapshot()
	candidates := r.candidates(req, snap)

	var lastErr error
	for _, alias := range candidates {
		route, ok := snap.Resolve(alias)
		if !ok {
			logger.Warn().Str("alias", alias).Msg("Unknown model alias, skipping candidate")
			lastErr = fmt.Errorf("unknown model alias: %s", alias)
			continue
		}

		prov, err := r.pool.Get(route.Provider)
		if err != nil {
			logger.Warn().Str("alias", alias).Err(err).Msg("Provider unavailable, skipping candidate")
			lastErr = err
			continue
		}

		response, err := r.chatCandidate(ctx, prov, route, req, logger)
		if err == nil {
			logger.Debug().Str("alias", alias).Str("model", route.Model).Msg("Candidate succeeded")
			return response, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, ctx.Err()
		}
		logger.Warn().Str("alias", alias).Err(err).Msg("Candidate exhausted, trying next")
	}

	err := fmt.Errorf("%w: %v", ErrNoCandidate, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// chatCandidate retries a single candidate on transient failures with
// exponential backoff. Permanent failures return immediately so the caller
// can move to the next candidate.
func (r *Router) chatCandidate(ctx context.Context, prov provider.Provider, route Route, req Request, logger zerolog.Logger) (*provider.Response, error) {
	var lastErr error

	for attempt := 0; attempt < r.retryBound; attempt++ {
		response, err := prov.Chat(ctx, r.providerRequest(route, req))
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !provider.IsTransient(err) {
			return nil, err
		}

		if attempt == r.retryBound-1 {
			break
		}

		delay := r.backoff * (1 << attempt)
		logger.Info().
			Str("model", route.Model).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after transient error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("retries exhausted for %s: %w", route.Model, lastErr)
}

// Stream executes a streaming call. Fallback applies only until the first
// chunk has been produced; after that a failure is terminal for the stream.
func (r *Router) Stream(ctx context.Context, req Request) (<-chan provider.Chunk, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"astra.router",
		"router.stream",
		attribute.String("primary", req.Primary),
	)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	snap := r.snapshot()
	candidates := r.candidates(req, snap)

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		defer span.End()

		var lastErr error
		for _, alias := range candidates {
			route, ok := snap.Resolve(alias)
			if !ok {
				lastErr = fmt.Errorf("unknown model alias: %s", alias)
				continue
			}

			prov, err := r.pool.Get(route.Provider)
			if err != nil {
				lastErr = err
				continue
			}

			started, err := r.streamCandidate(ctx, prov, route, req, out, logger)
			if err == nil {
				return
			}
			if started {
				// The caller has already seen chunks; surface the failure
				// as a terminal stream error instead of falling back.
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				emit(ctx, out, provider.Chunk{Err: err})
				return
			}

			lastErr = err
			if ctx.Err() != nil {
				emit(ctx, out, provider.Chunk{Err: ctx.Err()})
				return
			}
			logger.Warn().Str("alias", alias).Err(err).Msg("Stream candidate failed before first chunk, trying next")
		}

		err := fmt.Errorf("%w: %v", ErrNoCandidate, lastErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		emit(ctx, out, provider.Chunk{Err: err})
	}()

	return out, nil
}

// emit delivers a terminal chunk unless the consumer already walked away.
// A cancelled consumer must never strand the producer on a bare send.
func emit(ctx context.Context, out chan<- provider.Chunk, chunk provider.Chunk) {
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

// streamCandidate runs one candidate's stream, forwarding chunks to out.
// It reports whether any chunk reached the caller before the failure.
func (r *Router) streamCandidate(ctx context.Context, prov provider.Provider, route Route, req Request, out chan<- provider.Chunk, logger zerolog.Logger) (started bool, err error) {
	var lastErr error

	for attempt := 0; attempt < r.retryBound; attempt++ {
		chunks, err := prov.Stream(ctx, r.providerRequest(route, req))
		if err == nil {
			started, lastErr = r.forward(ctx, chunks, out)
			if lastErr == nil {
				return started, nil
			}
			if started {
				return true, lastErr
			}
			// The stream died before producing anything; treat it like a
			// failed call and apply the normal retry policy.
			err = lastErr
		}

		lastErr = err
		if !provider.IsTransient(err) {
			return false, err
		}
		if attempt == r.retryBound-1 {
			break
		}

		delay := r.backoff * (1 << attempt)
		logger.Info().
			Str("model", route.Model).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying stream after transient error")

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
	}

	return false, fmt.Errorf("retries exhausted for %s: %w", route.Model, lastErr)
}

// forward copies chunks from a provider stream to the caller's channel.
func (r *Router) forward(ctx context.Context, chunks <-chan provider.Chunk, out chan<- provider.Chunk) (started bool, err error) {
	for chunk := range chunks {
		if chunk.Err != nil {
			return started, chunk.Err
		}

		select {
		case out <- chunk:
			started = true
		case <-ctx.Done():
			return started, ctx.Err()
		}

		if chunk.Final != nil {
			return started, nil
		}
	}
	return started, fmt.Errorf("stream closed without final chunk")
}

// providerRequest builds the provider-level request for a resolved route.
func (r *Router) providerRequest(route Route, req Request) provider.Request {
	return provider.Request{
		Model:       route.Model,
		System:      req.System,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       req.Tools,
	}
}

// candidates builds the ordered, deduplicated candidate chain for a request:
// primary, per-agent fallbacks, then global fallbacks.
func (r *Router) candidates(req Request, snap Snapshot) []string {
	seen := make(map[string]bool)
	chain := []string{}

	add := func(alias string) {
		if alias == "" || seen[alias] {
			return
		}
		seen[alias] = true
		chain = append(chain, alias)
	}

	add(req.Primary)
	for _, alias := range req.Fallbacks {
		add(alias)
	}
	for _, alias := range snap.GlobalFallbacks {
		add(alias)
	}

	return chain
}
