package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/larksings/voiceagent/internal/reliability"
)

const (
	transcriptsPath = "/api/va/transcripts"
	memoriesPath    = "/api/va/memories"
)

// StatusError is returned when the backend answers with anything but 200.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Body)
}

// HTTPStore posts turns and facts to the conversation backend.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
	}
}

type transcriptBody struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	RoomName       string `json:"roomName"`
}

type factBody struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	Importance int    `json:"importance"`
	UserID     string `json:"userId"`
}

func (s *HTTPStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	return s.post(ctx, transcriptsPath, transcriptBody{
		UserID:         record.UserID,
		ConversationID: record.ConversationID,
		Role:           record.Role,
		Content:        record.Content,
		RoomName:       record.RoomName,
	})
}

func (s *HTTPStore) SaveFact(ctx context.Context, fact Fact) error {
	typ := fact.Type
	if typ == "" {
		typ = FactType
	}
	return s.post(ctx, memoriesPath, factBody{
		Type:       typ,
		Content:    fact.Content,
		Importance: fact.Importance,
		UserID:     fact.UserID,
	})
}

func (s *HTTPStore) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if !reliability.IsSuccessStatus(res.StatusCode) {
		text, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	return nil
}

func (s *HTTPStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
