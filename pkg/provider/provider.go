package provider

import (
	"context"
	"fmt"
	"sync"
)

// Provider is an interface for LLM API providers.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai", ...).
	Name() string

	// Chat makes a blocking model call.
	Chat(ctx context.Context, req Request) (*Response, error)

	// Stream makes a streaming model call. An error return means the
	// stream never started; failures after the first chunk arrive as a
	// terminal Chunk with Err set.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Pool holds the configured provider implementations, keyed by provider id.
// It is populated at startup and read-only afterwards.
type Pool struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewPool creates an empty provider pool.
func NewPool() *Pool {
	return &Pool{providers: make(map[string]Provider)}
}

// Add registers a provider implementation under its name.
func (p *Pool) Add(prov Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers[prov.Name()] = prov
}

// Get returns the provider registered under the given id.
func (p *Pool) Get(id string) (Provider, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	prov, ok := p.providers[id]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", id)
	}
	return prov, nil
}

// Names returns the ids of all registered providers.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	return names
}
