package main

import (
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Session is one conversation's in-memory state: its message history and
// an optional per-session model override (§6's load_model_override).
type Session struct {
	ID            string
	History       []models.Message
	ModelOverride string
}

// SessionStore is the minimal in-process session store process_message
// calls out to per §6: get_or_create, append, load_model_override. A real
// deployment backs this with durable storage; nothing in the core engine
// depends on persistence beyond the process lifetime.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore builds an empty, process-lifetime session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for id, creating an empty one if absent.
func (s *SessionStore) GetOrCreate(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id}
		s.sessions[id] = sess
	}
	return sess
}

// Append adds message to the session's history.
func (s *SessionStore) Append(id string, message models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id}
		s.sessions[id] = sess
	}
	sess.History = append(sess.History, message)
}

// LoadModelOverride returns the session's sticky model override, if set.
func (s *SessionStore) LoadModelOverride(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.ModelOverride == "" {
		return "", false
	}
	return sess.ModelOverride, true
}

// SetModelOverride sets or clears the session's sticky model override.
func (s *SessionStore) SetModelOverride(id, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id}
		s.sessions[id] = sess
	}
	sess.ModelOverride = model
}
