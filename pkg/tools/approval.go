package tools

import (
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ApprovalStore tracks which tool invocations a user has authorized.
//
// Two kinds of approval exist. Standing approvals cover every future call of
// a guarded tool within one session. Call tokens authorize exactly one
// invocation of an unsafe tool and are consumed on use.
type ApprovalStore struct {
	standing map[string]bool
	tokens   map[string]string
	mu       sync.Mutex
}

// NewApprovalStore creates an empty approval store.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{
		standing: make(map[string]bool),
		tokens:   make(map[string]string),
	}
}

func standingKey(sessionKey, toolName string) string {
	return sessionKey + "\x00" + toolName
}

// Grant records a standing approval for a tool within a session.
func (s *ApprovalStore) Grant(sessionKey, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standing[standingKey(sessionKey, toolName)] = true
}

// Revoke removes a standing approval.
func (s *ApprovalStore) Revoke(sessionKey, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.standing, standingKey(sessionKey, toolName))
}

// HasStanding reports whether a standing approval exists for the tool in
// the session.
func (s *ApprovalStore) HasStanding(sessionKey, toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standing[standingKey(sessionKey, toolName)]
}

// ClearSession drops every standing approval recorded for a session. Called
// when an expired session is replaced so approvals never outlive the
// conversation that granted them.
func (s *ApprovalStore) ClearSession(sessionKey string) {
	prefix := sessionKey + "\x00"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.standing {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.standing, key)
		}
	}
}

// IssueCallToken mints a single-use token authorizing one invocation of the
// named tool.
func (s *ApprovalStore) IssueCallToken(toolName string) (string, error) {
	token, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate approval token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = toolName
	return token, nil
}

// ConsumeCallToken validates a token against the tool it was issued for and
// invalidates it. A token is spent even when presented for the wrong tool.
func (s *ApprovalStore) ConsumeCallToken(token, toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	issued, ok := s.tokens[token]
	if !ok {
		return false
	}
	delete(s.tokens, token)
	return issued == toolName
}
