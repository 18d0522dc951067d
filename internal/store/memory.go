package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/metrics"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/session"
)

// Memory is an in-process repository used in tests and standalone mode.
// Sessions are deep-copied through JSON so callers never share pointers
// with the stored copy.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string][]byte)}
}

func (m *Memory) Load(ctx context.Context, sessionID string) (*session.Session, error) {
	m.mu.RLock()
	raw, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	var s session.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *Memory) Save(ctx context.Context, s *session.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		metrics.SessionSaves.WithLabelValues("memory", "error").Inc()
		return err
	}
	m.mu.Lock()
	m.sessions[s.ID] = raw
	m.mu.Unlock()
	metrics.SessionSaves.WithLabelValues("memory", "ok").Inc()
	return nil
}

func (m *Memory) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}
