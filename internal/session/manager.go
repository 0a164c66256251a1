package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocx/realtime-worker/internal/apperrors"
	"github.com/ocx/realtime-worker/internal/circuitbreaker"
	"github.com/ocx/realtime-worker/internal/types"
)

// TransportFactory builds a fresh ProviderTransport for one
// (eventID, agentType) session, parameterized by model.
type TransportFactory func(eventID string, agentType types.AgentType, model string) ProviderTransport

// Manager owns the set of RealtimeSession instances across all
// EventRuntimes (spec §4.7). SessionRecord writes are serialized per
// (event, agent_type) by delegating exclusively through the owning
// RealtimeSession, whose persist() holds the session mutex for the whole
// write, so two of its record writes never overlap.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*RealtimeSession

	transportFactory TransportFactory
	records          RecordRepository
	breakers         *circuitbreaker.SessionBreakers
	cfg              Config
}

// NewManager builds a SessionManager.
func NewManager(factory TransportFactory, records RecordRepository, breakers *circuitbreaker.SessionBreakers, cfg Config) *Manager {
	return &Manager{
		sessions:         make(map[string]*RealtimeSession),
		transportFactory: factory,
		records:          records,
		breakers:         breakers,
		cfg:              cfg,
	}
}

func sessionKey(eventID string, agentType types.AgentType) string {
	return eventID + "/" + string(agentType)
}

// Create builds and connects a new RealtimeSession for (event, agent),
// replacing any prior session under the same key.
func (m *Manager) Create(ctx context.Context, eventID string, agentType types.AgentType, agentID, model string) (*RealtimeSession, error) {
	key := sessionKey(eventID, agentType)
	transport := m.transportFactory(eventID, agentType, model)
	breaker := m.breakers.For(eventID, string(agentType))
	sess := New(eventID, agentType, agentID, model, transport, m.records, breaker, m.cfg)

	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()

	if err := sess.Connect(ctx); err != nil {
		return nil, fmt.Errorf("session create %s: %w", key, err)
	}
	return sess, nil
}

// Get returns the session for (event, agent), if any.
func (m *Manager) Get(eventID string, agentType types.AgentType) (*RealtimeSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey(eventID, agentType)]
	return s, ok
}

// CloseEvent closes and removes both sessions for eventID.
func (m *Manager) CloseEvent(ctx context.Context, eventID string) {
	for _, at := range []types.AgentType{types.AgentCards, types.AgentFacts} {
		key := sessionKey(eventID, at)
		m.mu.Lock()
		s, ok := m.sessions[key]
		delete(m.sessions, key)
		m.mu.Unlock()
		if ok {
			_ = s.Close(ctx)
		}
	}
}

// CloseAll shuts down every managed session (spec §4.7 close_all,
// used by orchestrator shutdown).
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*RealtimeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*RealtimeSession)
	m.mu.Unlock()

	for _, s := range all {
		_ = s.Close(ctx)
	}
}

// PauseEvent pauses both sessions for eventID (spec §4.9 pause_event).
func (m *Manager) PauseEvent(ctx context.Context, eventID string) error {
	for _, at := range []types.AgentType{types.AgentCards, types.AgentFacts} {
		s, ok := m.Get(eventID, at)
		if !ok {
			continue
		}
		if err := s.Pause(ctx); err != nil && s.State() != StatePaused {
			return fmt.Errorf("%w: pause %s/%s: %v", apperrors.ErrStateTransitionIllegal, eventID, at, err)
		}
	}
	return nil
}

// ResumeEvent resumes both sessions for eventID, skipping any session
// that is already OPEN (spec §4.9 "resume_event on OPEN sessions skips
// reconnect").
func (m *Manager) ResumeEvent(ctx context.Context, eventID string) error {
	for _, at := range []types.AgentType{types.AgentCards, types.AgentFacts} {
		s, ok := m.Get(eventID, at)
		if !ok {
			continue
		}
		if s.State() == StateOpen {
			continue
		}
		if err := s.Resume(ctx); err != nil {
			return fmt.Errorf("resume %s/%s: %w", eventID, at, err)
		}
	}
	return nil
}
