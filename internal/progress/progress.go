// Package progress holds the in-memory session state shared between one
// resolution run (single writer) and any number of polling readers.
package progress

import (
	"sync"

	"model-resolver/internal/models"
)

// Store maps session ids to their latest progress state. A missing key reads
// back as StatusNotFound so pollers can distinguish "never started" from
// "in flight".
type Store struct {
	mu       sync.RWMutex
	sessions map[string]models.SessionState
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]models.SessionState)}
}

// Get returns the state for a session, or a not_found sentinel when the id is
// unknown or already cleaned up.
func (s *Store) Get(sessionID string) models.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st
	}
	return models.SessionState{Status: models.StatusNotFound, Message: "unknown session"}
}

func (s *Store) Set(sessionID string, state models.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = state
}

func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// CancelStore is the shared set of session ids flagged for cancellation.
// Flags are set by an external cancel request and cleared by the owning
// resolution run when it reaches a terminal state, so a reused session id
// never inherits a stale flag.
type CancelStore struct {
	mu      sync.Mutex
	flagged map[string]struct{}
}

func NewCancelStore() *CancelStore {
	return &CancelStore{flagged: make(map[string]struct{})}
}

func (c *CancelStore) Cancel(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flagged[sessionID] = struct{}{}
}

func (c *CancelStore) IsCancelled(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flagged[sessionID]
	return ok
}

func (c *CancelStore) Clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flagged, sessionID)
}
