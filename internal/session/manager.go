package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrAtCapacity        = errors.New("worker at session capacity")
)

type Session struct {
	ID             string     `json:"session_id"`
	RoomName       string     `json:"room_name"`
	State          State      `json:"state"`
	UserID         string     `json:"user_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	PersonaID      string     `json:"persona_id,omitempty"`
	MetadataSource string     `json:"metadata_source,omitempty"`
	Transitions    int        `json:"transitions"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// TransitionHook observes every accepted transition.
type TransitionHook func(s Session, from State)

// Manager tracks session state for the control plane. The orchestrator owns
// the lifecycle; the manager only validates and records it.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	retention    time.Duration
	onTransition TransitionHook
}

func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		retention: retention,
	}
}

func (m *Manager) SetTransitionHook(hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = hook
}

// Create registers a new session in the connecting state.
func (m *Manager) Create(roomName string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		RoomName:       roomName,
		State:          StateConnecting,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	hook := m.onTransition
	m.mu.Unlock()

	if hook != nil {
		hook(*s, "")
	}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// List returns all tracked sessions, oldest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *clone(s))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Transition moves a session to the next state and returns the previous one.
// A transition to the current state is a no-op.
func (m *Manager) Transition(sessionID string, to State) (State, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", ErrNotFound
	}
	from := s.State
	if from == to {
		m.mu.Unlock()
		return from, nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	s.State = to
	s.Transitions++
	s.LastActivityAt = now
	if to == StateClosed {
		s.EndedAt = &now
	}
	snapshot := *clone(s)
	hook := m.onTransition
	m.mu.Unlock()

	if hook != nil {
		hook(snapshot, from)
	}
	return from, nil
}

// Bind records the identity resolved from dispatch metadata.
func (m *Manager) Bind(sessionID string, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.UserID = b.UserID
	s.ConversationID = b.ConversationID
	s.PersonaID = b.PersonaID
	s.MetadataSource = b.MetadataSource
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// ActiveCount counts sessions that have not closed yet.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State != StateClosed {
			count++
		}
	}
	return count
}

// StartJanitor purges closed sessions once they are older than the retention.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.purgeClosed(time.Now().UTC())
			}
		}
	}()
}

func (m *Manager) purgeClosed(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, s := range m.sessions {
		if s.State != StateClosed || s.EndedAt == nil {
			continue
		}
		if now.Sub(*s.EndedAt) < m.retention {
			continue
		}
		delete(m.sessions, id)
		purged++
	}
	return purged
}

func clone(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
