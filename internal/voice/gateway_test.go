package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/larksings/voiceagent/internal/persona"
	"github.com/larksings/voiceagent/internal/protocol"
	"github.com/larksings/voiceagent/internal/room"
)

type gatewayServer struct {
	// ack answers start_session with session_started.
	ack    bool
	starts chan protocol.StartSession
	says   chan protocol.Say
	conns  chan *websocket.Conn
}

func newGatewayServer(t *testing.T, ack bool) (*gatewayServer, string) {
	t.Helper()
	g := &gatewayServer{
		ack:    ack,
		starts: make(chan protocol.StartSession, 1),
		says:   make(chan protocol.Say, 4),
		conns:  make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			_ = json.Unmarshal(data, &env)
			switch env.Type {
			case protocol.TypeStartSession:
				var m protocol.StartSession
				_ = json.Unmarshal(data, &m)
				if g.ack {
					_ = conn.WriteJSON(protocol.SessionStarted{Type: protocol.TypeSessionStarted, SessionID: m.SessionID})
				}
				g.starts <- m
			case protocol.TypeSay:
				var m protocol.Say
				_ = json.Unmarshal(data, &m)
				g.says <- m
			}
		}
	}))
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event")
	}
	return nil
}

func TestGatewayEngineSessionFlow(t *testing.T) {
	g, url := newGatewayServer(t, true)
	opts := EngineOptions{
		SessionID: "s1",
		Config:    persona.SessionConfig{Instructions: "be kind", LLMModel: "gpt-4o-mini"},
		Speech:    SpeechBindings{STT: protocol.STTBinding{Provider: "deepgram", Model: "nova-2"}},
		Room:      room.NewLocalRoom("room-g", ""),
	}
	e := NewGatewayEngine(url, opts, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Close()

	start := <-g.starts
	if start.SessionID != "s1" || start.Room != "room-g" || start.Instructions != "be kind" || start.STT.Model != "nova-2" {
		t.Fatalf("start_session = %+v", start)
	}
	conn := <-g.conns

	if err := e.Say(context.Background(), "Hello"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	if say := <-g.says; say.Text != "Hello" || say.SessionID != "s1" {
		t.Fatalf("say = %+v", say)
	}

	_ = conn.WriteJSON(map[string]any{"type": "agent_state_changed", "old_state": "listening", "new_state": "speaking"})
	if ev, ok := nextEvent(t, e.Events()).(StateChanged); !ok || ev.New != "speaking" {
		t.Fatalf("event = %#v, want StateChanged to speaking", ev)
	}

	_ = conn.WriteJSON(map[string]any{"type": "conversation_item_added", "item": map[string]any{"id": "a1", "role": "assistant", "content": []string{"Hel"}}})
	nextEvent(t, e.Events())
	_ = conn.WriteJSON(map[string]any{"type": "conversation_item_added", "item": map[string]any{"id": "a1", "role": "assistant", "content": []string{"Hello", "there"}}})
	nextEvent(t, e.Events())

	_ = conn.WriteJSON(map[string]any{"type": "user_turn_completed", "item": map[string]any{"id": "u1", "role": "user", "content": map[string]any{"transcript": "hi"}}})
	if ev, ok := nextEvent(t, e.Events()).(UserTurnCompleted); !ok || ev.Item.Content.Text() != "hi" || ev.Item.Content.Kind != ContentTranscript {
		t.Fatalf("event = %#v, want user turn", ev)
	}

	history := e.History()
	if len(history) != 2 || history[0].Content.Text() != "Hello there" {
		t.Fatalf("history = %+v, want upserted agent item then user item", history)
	}

	_ = conn.WriteJSON(map[string]any{"type": "error", "source": "llm", "detail": "timeout", "recoverable": true})
	if ev, ok := nextEvent(t, e.Events()).(EngineError); !ok || ev.Source != "llm" || ev.Err.Error() != "timeout" {
		t.Fatalf("event = %#v, want EngineError", ev)
	}

	_ = conn.WriteJSON(map[string]any{"type": "session_closed", "reason": "done"})
	if ev, ok := nextEvent(t, e.Events()).(EngineClosed); !ok || ev.Reason != "done" {
		t.Fatalf("event = %#v, want EngineClosed", ev)
	}
	select {
	case _, ok := <-e.Events():
		if ok {
			t.Fatalf("events still open after session_closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events not closed")
	}
}

func TestGatewayEngineStartRequiresAck(t *testing.T) {
	g, url := newGatewayServer(t, false)
	e := NewGatewayEngine(url, EngineOptions{SessionID: "s2"}, nil)
	e.startTimeout = 100 * time.Millisecond

	if err := e.Start(context.Background()); err == nil {
		t.Fatalf("Start() error = nil, want missing acknowledgement")
	}
	if start := <-g.starts; start.SessionID != "s2" {
		t.Fatalf("start_session = %+v", start)
	}
	if err := e.Say(context.Background(), "Hello"); err == nil {
		t.Fatalf("Say() after failed start error = nil")
	}
	select {
	case say := <-g.says:
		t.Fatalf("say reached gateway after failed start: %+v", say)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGatewayEngineStartKeepsEarlyEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "agent_state_changed", "old_state": "initializing", "new_state": "listening"})
		_ = conn.WriteJSON(map[string]any{"type": "session_started", "session_id": "s3"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	e := NewGatewayEngine("ws"+strings.TrimPrefix(srv.URL, "http"), EngineOptions{SessionID: "s3"}, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Close()
	if ev, ok := nextEvent(t, e.Events()).(StateChanged); !ok || ev.New != "listening" {
		t.Fatalf("event = %#v, want StateChanged to listening", ev)
	}
}

func TestGatewayEngineStartRefused(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "session_closed", "reason": "no capacity"})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	e := NewGatewayEngine("ws"+strings.TrimPrefix(srv.URL, "http"), EngineOptions{SessionID: "s4"}, nil)
	err := e.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no capacity") {
		t.Fatalf("Start() error = %v, want refusal", err)
	}
}

func TestGatewayEngineStartFailsWithoutServer(t *testing.T) {
	e := NewGatewayEngine("ws://127.0.0.1:1/engine", EngineOptions{SessionID: "s"}, nil)
	if err := e.Start(context.Background()); err == nil {
		t.Fatalf("Start() error = nil, want dial failure")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Say(context.Background(), "x"); err == nil {
		t.Fatalf("Say() before start error = nil")
	}
}

func TestGatewayFactoryRequiresURL(t *testing.T) {
	if _, err := (GatewayFactory{}).NewEngine(context.Background(), EngineOptions{}); err == nil {
		t.Fatalf("NewEngine() without url error = nil")
	}
}
