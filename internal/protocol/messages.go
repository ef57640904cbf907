package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants on both channels.
type MessageType string

// Room signaling channel.
const (
	TypeJoin                    MessageType = "join"
	TypeSetAttributes           MessageType = "set_attributes"
	TypeRoomJoined              MessageType = "room_joined"
	TypeRoomMetadata            MessageType = "room_metadata"
	TypeParticipantDisconnected MessageType = "participant_disconnected"
	TypeRoomClosed              MessageType = "room_closed"
)

// Engine gateway channel.
const (
	TypeStartSession          MessageType = "start_session"
	TypeSay                   MessageType = "say"
	TypeCloseSession          MessageType = "close_session"
	TypeSessionStarted        MessageType = "session_started"
	TypeAgentStateChanged     MessageType = "agent_state_changed"
	TypeUserTurnCompleted     MessageType = "user_turn_completed"
	TypeConversationItemAdded MessageType = "conversation_item_added"
	TypeError                 MessageType = "error"
	TypeSessionClosed         MessageType = "session_closed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type Join struct {
	Type     MessageType `json:"type"`
	Room     string      `json:"room"`
	Identity string      `json:"identity"`
	Token    string      `json:"token,omitempty"`
}

type SetAttributes struct {
	Type       MessageType       `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type RoomJoined struct {
	Type     MessageType `json:"type"`
	Room     string      `json:"room"`
	Metadata string      `json:"metadata"`
}

type RoomMetadata struct {
	Type     MessageType `json:"type"`
	Metadata string      `json:"metadata"`
}

type ParticipantDisconnected struct {
	Type     MessageType `json:"type"`
	Identity string      `json:"identity"`
}

type RoomClosed struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

// STTBinding and TTSBinding name the speech providers an engine should use.
type STTBinding struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type TTSBinding struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model,omitempty"`
	Voice    string   `json:"voice,omitempty"`
	Language string   `json:"language,omitempty"`
	Speed    string   `json:"speed,omitempty"`
	Emotion  []string `json:"emotion,omitempty"`
}

type StartSession struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	Room         string      `json:"room"`
	Instructions string      `json:"instructions"`
	LLMModel     string      `json:"llm_model,omitempty"`
	STT          STTBinding  `json:"stt"`
	TTS          TTSBinding  `json:"tts"`
}

type Say struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type CloseSession struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// Item is a conversation item as the gateway reports it. Content is kept raw;
// it may be a string, a list of strings, or an object with a transcript.
type Item struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
}

// SessionStarted acknowledges start_session once the engine is live.
type SessionStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type AgentStateChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	OldState  string      `json:"old_state"`
	NewState  string      `json:"new_state"`
}

type UserTurnCompleted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Item      Item        `json:"item"`
}

type ConversationItemAdded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Item      Item        `json:"item"`
}

type ErrorEvent struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Source      string      `json:"source"`
	Detail      string      `json:"detail"`
	Recoverable bool        `json:"recoverable"`
}

type SessionClosed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

// ParseRoomMessage decodes a server message from the room signaling channel.
func ParseRoomMessage(raw []byte) (any, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeRoomJoined:
		return decode[RoomJoined](raw)
	case TypeRoomMetadata:
		return decode[RoomMetadata](raw)
	case TypeParticipantDisconnected:
		msg, err := decode[ParticipantDisconnected](raw)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Identity) == "" {
			return nil, errors.New("invalid participant_disconnected")
		}
		return msg, nil
	case TypeRoomClosed:
		return decode[RoomClosed](raw)
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseEngineMessage decodes a gateway message for an engine session.
func ParseEngineMessage(raw []byte) (any, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeSessionStarted:
		return decode[SessionStarted](raw)
	case TypeAgentStateChanged:
		msg, err := decode[AgentStateChanged](raw)
		if err != nil {
			return nil, err
		}
		if msg.NewState == "" {
			return nil, errors.New("invalid agent_state_changed")
		}
		return msg, nil
	case TypeUserTurnCompleted:
		return decode[UserTurnCompleted](raw)
	case TypeConversationItemAdded:
		return decode[ConversationItemAdded](raw)
	case TypeError:
		return decode[ErrorEvent](raw)
	case TypeSessionClosed:
		return decode[SessionClosed](raw)
	default:
		return nil, ErrUnsupportedType
	}
}

func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

func decode[T any](raw []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("decode %T: %w", msg, err)
	}
	return msg, nil
}
