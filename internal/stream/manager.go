// Package stream tracks the lifecycle of active buffering sessions,
// providing create/remove/list operations used by the ingest layer.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/mediabuf/internal/pipeline"
)

// Session represents one live stream being buffered.
type Session struct {
	Key       string
	StartedAt time.Time

	pipeline *pipeline.Pipeline
	done     chan struct{}
}

// Pipeline returns the buffering pipeline backing this session.
func (s *Session) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Done returns a channel closed when the session is removed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Manager manages the lifecycle of active buffering sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. If log is nil, slog.Default()
// is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for the given stream key and pipeline.
// Returns the session and true if created, or nil and false if a session
// with this key already exists.
func (m *Manager) Create(key string, p *pipeline.Pipeline) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Session{
		Key:       key,
		StartedAt: time.Now(),
		pipeline:  p,
		done:      make(chan struct{}),
	}

	m.sessions[key] = s
	m.log.Info("session created", "key", key)
	return s, true
}

// Remove removes a session from the manager and signals Done.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("session removed", "key", key)
	}
}

// Get returns the session for the given key, or false if not found.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// List returns all active sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Snapshots returns a buffering snapshot for every active session.
func (m *Manager) Snapshots() map[string]pipeline.Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make(map[string]pipeline.Snapshot, len(sessions))
	for _, s := range sessions {
		out[s.Key] = s.pipeline.StreamSnapshot()
	}
	return out
}
