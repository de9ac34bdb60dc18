package persona

import (
	"strings"
	"sync"
)

// Store produces the system prompt for an agent id. Callers treat the
// prompt opaquely.
type Store interface {
	SystemPrompt(agentID string) string
}

// StaticStore serves prompts from a fixed map with an optional shared
// preamble prepended to every agent's prompt.
type StaticStore struct {
	preamble string
	prompts  map[string]string
	mu       sync.RWMutex
}

// NewStaticStore creates a store over configured prompts.
func NewStaticStore(preamble string, prompts map[string]string) *StaticStore {
	if prompts == nil {
		prompts = make(map[string]string)
	}
	return &StaticStore{preamble: preamble, prompts: prompts}
}

// SystemPrompt implements Store. Unknown agents get the preamble alone.
func (s *StaticStore) SystemPrompt(agentID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parts := []string{}
	if s.preamble != "" {
		parts = append(parts, s.preamble)
	}
	if prompt, ok := s.prompts[agentID]; ok && prompt != "" {
		parts = append(parts, prompt)
	}
	return strings.Join(parts, "\n\n")
}

// SetPrompt replaces an agent's prompt, for configuration reloads.
func (s *StaticStore) SetPrompt(agentID, prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[agentID] = prompt
}
