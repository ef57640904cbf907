package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]TurnRecord
	facts map[string][]Fact
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns: make(map[string][]TurnRecord),
		facts: make(map[string][]Fact),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.turns[record.ConversationID] = append(s.turns[record.ConversationID], record)
	return nil
}

func (s *InMemoryStore) SaveFact(_ context.Context, fact Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.Type == "" {
		fact.Type = FactType
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}
	s.facts[fact.UserID] = append(s.facts[fact.UserID], fact)
	return nil
}

// Turns returns a copy of the turns stored for a conversation.
func (s *InMemoryStore) Turns(conversationID string) []TurnRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[conversationID]
	out := make([]TurnRecord, len(arr))
	copy(out, arr)
	return out
}

func (s *InMemoryStore) RecentFacts(_ context.Context, userID string, limit int) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.facts[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Fact, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
