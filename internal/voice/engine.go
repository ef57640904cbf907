package voice

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/larksings/voiceagent/internal/persona"
	"github.com/larksings/voiceagent/internal/room"
)

// Engine is the conversational speech engine driving one session. Events are
// delivered on a single ordered channel that is closed when the engine stops.
type Engine interface {
	Start(ctx context.Context) error
	Say(ctx context.Context, text string) error
	Events() <-chan Event
	History() []ChatItem
	Close() error
}

// EngineFactory builds an engine for a composed session.
type EngineFactory interface {
	NewEngine(ctx context.Context, opts EngineOptions) (Engine, error)
}

// EngineFactoryFunc adapts a function to EngineFactory.
type EngineFactoryFunc func(ctx context.Context, opts EngineOptions) (Engine, error)

func (f EngineFactoryFunc) NewEngine(ctx context.Context, opts EngineOptions) (Engine, error) {
	return f(ctx, opts)
}

// EngineOptions carries everything an engine needs from the composed config.
type EngineOptions struct {
	SessionID string
	Config    persona.SessionConfig
	Speech    SpeechBindings
	Room      room.Room
}

// Event is one engine notification. The concrete types below are the only
// implementations.
type Event interface {
	isEvent()
}

type StateChanged struct {
	Old string
	New string
}

type UserTurnCompleted struct {
	Item ChatItem
}

type ItemAdded struct {
	Item ChatItem
}

type EngineError struct {
	Source      string
	Err         error
	Recoverable bool
}

type EngineClosed struct {
	Reason string
}

func (StateChanged) isEvent()      {}
func (UserTurnCompleted) isEvent() {}
func (ItemAdded) isEvent()         {}
func (EngineError) isEvent()       {}
func (EngineClosed) isEvent()      {}

// Chat roles as engines report them.
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatItem is one entry of the engine's conversation history.
type ChatItem struct {
	ID      string
	Role    string
	Content TurnContent
}

// ContentKind says how a turn's content was delivered by the engine.
type ContentKind int

const (
	ContentEmpty ContentKind = iota
	ContentText
	ContentTranscript
)

// TurnContent is a turn's text, resolved once at the engine boundary.
type TurnContent struct {
	Kind  ContentKind
	value string
}

func TextContent(s string) TurnContent {
	s = strings.TrimSpace(s)
	if s == "" {
		return TurnContent{}
	}
	return TurnContent{Kind: ContentText, value: s}
}

func TranscriptContent(s string) TurnContent {
	s = strings.TrimSpace(s)
	if s == "" {
		return TurnContent{}
	}
	return TurnContent{Kind: ContentTranscript, value: s}
}

func (c TurnContent) Text() string { return c.value }

func (c TurnContent) IsEmpty() bool { return c.Kind == ContentEmpty }

// ContentFromRaw resolves the shapes engines use for item content: a plain
// string, a list of text parts, or an object carrying text or transcript.
func ContentFromRaw(raw json.RawMessage) TurnContent {
	if len(raw) == 0 {
		return TurnContent{}
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return TextContent(s)
	}

	var parts []json.RawMessage
	if json.Unmarshal(raw, &parts) == nil {
		var texts []string
		kind := ContentText
		for _, p := range parts {
			c := ContentFromRaw(p)
			if c.IsEmpty() {
				continue
			}
			if c.Kind == ContentTranscript {
				kind = ContentTranscript
			}
			texts = append(texts, c.value)
		}
		joined := strings.Join(texts, " ")
		if kind == ContentTranscript {
			return TranscriptContent(joined)
		}
		return TextContent(joined)
	}

	var obj struct {
		Text       *string `json:"text"`
		Transcript *string `json:"transcript"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Text != nil {
			return TextContent(*obj.Text)
		}
		if obj.Transcript != nil {
			return TranscriptContent(*obj.Transcript)
		}
	}
	return TurnContent{}
}

// LatestAgentText returns the newest non-empty assistant item text.
func LatestAgentText(history []ChatItem) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		item := history[i]
		if item.Role != ChatRoleAssistant || item.Content.IsEmpty() {
			continue
		}
		return item.Content.Text(), true
	}
	return "", false
}
