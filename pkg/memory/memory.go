// Package memory provides conversation history stores keyed by session id.
// A store failure never fails a run: the engine logs it and continues with
// whatever history it has.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/drover-dev/drover/agent"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("memory store is closed")

// Store is an agent.Memory that owns closable resources.
type Store interface {
	agent.Memory
	Close() error
}

// InMemoryStore keeps histories in process memory. It is the default store
// and the baseline the persistent implementations are tested against.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]agent.Message
	closed   bool
}

// NewInMemoryStore creates an empty in-process store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string][]agent.Message)}
}

// GetMessages returns the stored history for a session, oldest first. An
// unknown session yields an empty history, not an error.
func (s *InMemoryStore) GetMessages(_ context.Context, sessionID string) ([]agent.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return agent.CloneMessages(s.sessions[sessionID]), nil
}

// AddMessage appends one message to a session's history.
func (s *InMemoryStore) AddMessage(_ context.Context, sessionID string, msg agent.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.sessions[sessionID] = append(s.sessions[sessionID], msg)
	return nil
}

// Clear removes a session's history.
func (s *InMemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sessions returns the ids of sessions holding at least one message.
func (s *InMemoryStore) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id, msgs := range s.sessions {
		if len(msgs) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
