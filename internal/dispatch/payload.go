// Package dispatch parses the per-call dispatch payload and resolves it from
// job or room metadata.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedPayload marks metadata that is present but not a JSON object.
var ErrMalformedPayload = errors.New("malformed dispatch payload")

// Payload is the typed view of the untrusted dispatch metadata. Every field is
// optional; zero values mean "absent".
type Payload struct {
	UserID           string   `json:"userId,omitempty"`
	ConversationID   string   `json:"conversationId,omitempty"`
	AgentName        string   `json:"agentName,omitempty"`
	Nickname         string   `json:"nickname,omitempty"`
	Memories         []string `json:"memories,omitempty"`
	Topic            string   `json:"topic,omitempty"`
	TopicGreeting    string   `json:"topicGreeting,omitempty"`
	TopicInstruction string   `json:"topicInstruction,omitempty"`
	SystemPrompt     string   `json:"systemPrompt,omitempty"`
	Greeting         string   `json:"greeting,omitempty"`
}

// IsZero reports whether no field was populated.
func (p Payload) IsZero() bool {
	return p.UserID == "" && p.ConversationID == "" && p.AgentName == "" &&
		p.Nickname == "" && len(p.Memories) == 0 && p.Topic == "" &&
		p.TopicGreeting == "" && p.TopicInstruction == "" &&
		p.SystemPrompt == "" && p.Greeting == ""
}

// Parse decodes raw metadata. Fields with unexpected types are ignored rather
// than failing the whole payload; only a non-object document is an error.
func Parse(raw string) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}, nil
	}

	// UseNumber keeps large numeric ids exact.
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Payload{}, fmt.Errorf("%w: trailing data after object", ErrMalformedPayload)
	}
	if obj == nil {
		return Payload{}, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}

	p := Payload{
		UserID:           stringField(obj, "userId"),
		ConversationID:   stringField(obj, "conversationId"),
		AgentName:        stringField(obj, "agentName"),
		Topic:            stringField(obj, "topic"),
		TopicGreeting:    stringField(obj, "topicGreeting"),
		TopicInstruction: stringField(obj, "topicInstruction"),
		SystemPrompt:     stringField(obj, "systemPrompt"),
		Greeting:         stringField(obj, "greeting"),
		Memories:         stringList(obj["memories"]),
	}

	if profile, ok := obj["userProfile"].(map[string]any); ok {
		p.Nickname = stringField(profile, "nickname")
	}
	if p.Nickname == "" {
		p.Nickname = stringField(obj, "nickname")
	}
	return p, nil
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		// Numeric ids show up from some dispatchers.
		return v.String()
	default:
		return ""
	}
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
