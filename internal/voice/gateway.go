package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/larksings/voiceagent/internal/protocol"
)

const (
	gatewayWriteTimeout = 3 * time.Second
	gatewayStartTimeout = 10 * time.Second
)

// GatewayFactory builds engines backed by a speech engine gateway.
type GatewayFactory struct {
	URL    string
	Logger *slog.Logger
}

func (f GatewayFactory) NewEngine(_ context.Context, opts EngineOptions) (Engine, error) {
	if strings.TrimSpace(f.URL) == "" {
		return nil, errors.New("engine gateway url is empty")
	}
	return NewGatewayEngine(f.URL, opts, f.Logger), nil
}

// GatewayEngine runs a session on a remote engine over a websocket. The
// gateway owns media; this side only exchanges control and turn events.
type GatewayEngine struct {
	url    string
	opts   EngineOptions
	dialer websocket.Dialer
	logger *slog.Logger
	// startTimeout bounds the wait for session_started.
	startTimeout time.Duration

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	history []ChatItem
	closed  bool

	events    chan Event
	readDone  chan struct{}
	closeOnce sync.Once
}

func NewGatewayEngine(url string, opts EngineOptions, logger *slog.Logger) *GatewayEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayEngine{
		url:  strings.TrimSpace(url),
		opts: opts,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		logger:       logger.With("session_id", opts.SessionID),
		startTimeout: gatewayStartTimeout,
		events:       make(chan Event, 128),
		readDone:     make(chan struct{}),
	}
}

func (e *GatewayEngine) Start(ctx context.Context) error {
	conn, resp, err := e.dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("engine gateway dial failed (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("engine gateway dial failed: %w", err)
	}

	roomName := ""
	if e.opts.Room != nil {
		roomName = e.opts.Room.Name()
	}
	start := protocol.StartSession{
		Type:         protocol.TypeStartSession,
		SessionID:    e.opts.SessionID,
		Room:         roomName,
		Instructions: e.opts.Config.Instructions,
		LLMModel:     e.opts.Config.LLMModel,
		STT:          e.opts.Speech.STT,
		TTS:          e.opts.Speech.TTS,
	}
	if err := writeGatewayJSON(conn, start); err != nil {
		_ = conn.Close()
		return fmt.Errorf("engine gateway start write: %w", err)
	}
	if err := e.awaitStarted(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}

	e.writeMu.Lock()
	e.conn = conn
	e.writeMu.Unlock()

	go e.readLoop(conn)
	return nil
}

// awaitStarted blocks until the gateway acknowledges the session. Events
// that arrive first are kept in order.
func (e *GatewayEngine) awaitStarted(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(e.startTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("engine gateway start: %w", ctxErr)
			}
			return fmt.Errorf("engine gateway start not acknowledged: %w", err)
		}
		msg, err := protocol.ParseEngineMessage(data)
		if err != nil {
			e.logger.Debug("engine gateway message ignored", "error", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.SessionStarted:
			return nil
		case protocol.SessionClosed:
			return fmt.Errorf("engine gateway refused session: %s", m.Reason)
		default:
			e.handle(msg)
		}
	}
}

func (e *GatewayEngine) Say(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.write(protocol.Say{Type: protocol.TypeSay, SessionID: e.opts.SessionID, Text: text})
}

func (e *GatewayEngine) Events() <-chan Event { return e.events }

func (e *GatewayEngine) History() []ChatItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ChatItem(nil), e.history...)
}

func (e *GatewayEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.writeMu.Lock()
		conn := e.conn
		e.writeMu.Unlock()
		if conn == nil {
			close(e.events)
			return
		}
		_ = e.write(protocol.CloseSession{Type: protocol.TypeCloseSession, SessionID: e.opts.SessionID})
		err = conn.Close()
		<-e.readDone
	})
	return err
}

func (e *GatewayEngine) write(payload any) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.conn == nil {
		return errors.New("engine gateway not started")
	}
	return writeGatewayJSON(e.conn, payload)
}

func (e *GatewayEngine) readLoop(conn *websocket.Conn) {
	defer close(e.readDone)
	defer close(e.events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !e.isClosed() {
				e.emit(EngineClosed{Reason: "connection lost: " + err.Error()})
			}
			return
		}
		msg, err := protocol.ParseEngineMessage(data)
		if err != nil {
			e.logger.Debug("engine gateway message ignored", "error", err)
			continue
		}
		if done := e.handle(msg); done {
			return
		}
	}
}

func (e *GatewayEngine) handle(msg any) bool {
	switch m := msg.(type) {
	case protocol.AgentStateChanged:
		e.emit(StateChanged{Old: m.OldState, New: m.NewState})
	case protocol.UserTurnCompleted:
		item := itemFromWire(m.Item)
		e.appendHistory(item)
		e.emit(UserTurnCompleted{Item: item})
	case protocol.ConversationItemAdded:
		item := itemFromWire(m.Item)
		e.appendHistory(item)
		e.emit(ItemAdded{Item: item})
	case protocol.ErrorEvent:
		e.emit(EngineError{Source: m.Source, Err: errors.New(m.Detail), Recoverable: m.Recoverable})
	case protocol.SessionClosed:
		e.emit(EngineClosed{Reason: m.Reason})
		return true
	}
	return false
}

// appendHistory upserts by item id; gateways resend items as they finalize.
func (e *GatewayEngine) appendHistory(item ChatItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if item.ID != "" {
		for i := range e.history {
			if e.history[i].ID == item.ID {
				e.history[i] = item
				return
			}
		}
	}
	e.history = append(e.history, item)
}

func (e *GatewayEngine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-time.After(time.Second):
		e.logger.Warn("engine event dropped: consumer not reading", "event", fmt.Sprintf("%T", ev))
	}
}

func (e *GatewayEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func itemFromWire(item protocol.Item) ChatItem {
	return ChatItem{
		ID:      item.ID,
		Role:    strings.ToLower(strings.TrimSpace(item.Role)),
		Content: ContentFromRaw(item.Content),
	}
}

func writeGatewayJSON(conn *websocket.Conn, payload any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(payload)
}
