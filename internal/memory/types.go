package memory

import (
	"context"
	"time"
)

// Turn roles as they appear on the wire.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// TurnRecord is one completed utterance mirrored to the backend.
type TurnRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	RoomName       string    `json:"roomName"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"createdAt"`
}

// FactType is the only memory kind the worker produces.
const FactType = "fact"

// DefaultImportance is assigned to extracted facts on a 1-10 scale.
const DefaultImportance = 5

// Fact is a durable, short summary of something learned about a user.
type Fact struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	Importance int       `json:"importance"`
	UserID     string    `json:"userId"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// Store persists transcript turns and memory facts.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	SaveFact(ctx context.Context, fact Fact) error
	Close() error
}

// Recaller is implemented by stores that can read facts back.
type Recaller interface {
	RecentFacts(ctx context.Context, userID string, limit int) ([]Fact, error)
}
