package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/larksings/voiceagent/internal/protocol"
)

const (
	joinTimeout  = 10 * time.Second
	writeTimeout = 3 * time.Second
)

// WSRoom joins a room through the signaling service's websocket endpoint.
type WSRoom struct {
	signalURL string
	token     string
	name      string
	identity  string
	dialer    websocket.Dialer
	logger    *slog.Logger

	mu       sync.RWMutex
	metadata string
	conn     *websocket.Conn

	writeMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

func NewWSRoom(signalURL, token, name string, logger *slog.Logger) *WSRoom {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRoom{
		signalURL: strings.TrimSpace(signalURL),
		token:     strings.TrimSpace(token),
		name:      name,
		identity:  "agent-" + uuid.NewString()[:8],
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		logger: logger.With("room", name),
		done:   make(chan struct{}),
	}
}

func (r *WSRoom) Name() string { return r.name }

// Identity is the participant identity the worker joins with.
func (r *WSRoom) Identity() string { return r.identity }

func (r *WSRoom) Metadata() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadata
}

func (r *WSRoom) Disconnected() <-chan struct{} { return r.done }

// Connect dials, joins and waits for the join acknowledgement. A failed
// attempt leaves the room unconnected so Connect may be retried.
func (r *WSRoom) Connect(ctx context.Context) error {
	r.mu.RLock()
	already := r.conn != nil
	r.mu.RUnlock()
	if already {
		return nil
	}

	wsURL, err := joinURL(r.signalURL, r.name)
	if err != nil {
		return err
	}
	conn, resp, err := r.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("room dial failed (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("room dial failed: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	joined, err := r.join(conn)
	if !stop() || err != nil {
		_ = conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("room join: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.metadata = joined.Metadata
	r.mu.Unlock()

	go r.readLoop(conn)
	return nil
}

func (r *WSRoom) join(conn *websocket.Conn) (protocol.RoomJoined, error) {
	err := writeJSON(conn, protocol.Join{
		Type:     protocol.TypeJoin,
		Room:     r.name,
		Identity: r.identity,
		Token:    r.token,
	})
	if err != nil {
		return protocol.RoomJoined{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(joinTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.RoomJoined{}, err
		}
		msg, err := protocol.ParseRoomMessage(data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.RoomJoined:
			return m, nil
		case protocol.RoomClosed:
			return protocol.RoomJoined{}, errors.New("room closed before join")
		}
	}
}

func (r *WSRoom) readLoop(conn *websocket.Conn) {
	defer r.markDisconnected()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Info("room connection lost", "error", err)
			}
			return
		}
		msg, err := protocol.ParseRoomMessage(data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.RoomMetadata:
			r.mu.Lock()
			r.metadata = m.Metadata
			r.mu.Unlock()
		case protocol.RoomClosed:
			r.logger.Info("room closed", "reason", m.Reason)
			return
		case protocol.ParticipantDisconnected:
			if m.Identity == r.identity {
				r.logger.Info("worker removed from room")
				return
			}
		}
	}
}

func (r *WSRoom) SetAttributes(ctx context.Context, attrs map[string]string) error {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn == nil {
		return errors.New("room not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return writeJSON(conn, protocol.SetAttributes{Type: protocol.TypeSetAttributes, Attributes: attrs})
}

func (r *WSRoom) markDisconnected() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *WSRoom) Close() error {
	r.markDisconnected()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	r.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(writeTimeout))
	r.writeMu.Unlock()
	return conn.Close()
}

func joinURL(signalURL, name string) (string, error) {
	if signalURL == "" {
		return "", errors.New("room signal url is empty")
	}
	u, err := url.Parse(signalURL)
	if err != nil {
		return "", fmt.Errorf("parse room signal url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported room signal url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("room", name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func writeJSON(conn *websocket.Conn, payload any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(payload)
}
