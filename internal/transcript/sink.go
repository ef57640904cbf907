// Package transcript mirrors completed turns to the memory store without
// ever blocking the live conversation.
package transcript

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/larksings/voiceagent/internal/memory"
	"github.com/larksings/voiceagent/internal/observability"
	"github.com/larksings/voiceagent/internal/policy"
)

const writeTimeout = 15 * time.Second

// Recorder accepts completed turns. Record never blocks beyond starting a
// background write.
type Recorder interface {
	Record(role, content string)
}

// Identity ties a session's turns to a user and conversation.
type Identity struct {
	UserID         string
	ConversationID string
	RoomName       string
}

// Writer holds the dependencies shared by every session's sink.
type Writer struct {
	store     memory.Store
	metrics   *observability.Metrics
	logger    *slog.Logger
	redactPII bool
}

func NewWriter(store memory.Store, metrics *observability.Metrics, logger *slog.Logger, redactPII bool) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, metrics: metrics, logger: logger, redactPII: redactPII}
}

// Open returns the sink for one session.
func (w *Writer) Open(id Identity) Recorder {
	return w.Sink(id)
}

// Sink is Open with the concrete type, for callers that need Wait.
func (w *Writer) Sink(id Identity) *Sink {
	return &Sink{
		writer: w,
		id: Identity{
			UserID:         strings.TrimSpace(id.UserID),
			ConversationID: strings.TrimSpace(id.ConversationID),
			RoomName:       id.RoomName,
		},
		logger: w.logger.With("room", id.RoomName, "conversation_id", id.ConversationID),
	}
}

// Sink writes one session's turns. Each Record is a single detached write
// attempt: failures are logged and dropped, never retried or queued.
type Sink struct {
	writer *Writer
	id     Identity
	logger *slog.Logger

	seq    atomic.Int64
	warned atomic.Bool
	wg     sync.WaitGroup
}

func (s *Sink) Record(role, content string) {
	if s.id.UserID == "" || s.id.ConversationID == "" {
		if s.warned.CompareAndSwap(false, true) {
			s.logger.Warn("transcript not recorded: session has no user or conversation id")
		}
		s.writer.metrics.TranscriptWrite(role, "skipped")
		return
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	if s.writer.redactPII {
		content, _ = policy.RedactPII(content)
	}

	record := memory.TurnRecord{
		UserID:         s.id.UserID,
		ConversationID: s.id.ConversationID,
		RoomName:       s.id.RoomName,
		Role:           role,
		Content:        content,
		Seq:            s.seq.Add(1),
		CreatedAt:      time.Now().UTC(),
	}

	s.wg.Add(1)
	s.writer.metrics.BackgroundStarted()
	go func() {
		defer s.wg.Done()
		defer s.writer.metrics.BackgroundDone()
		s.write(record)
	}()
}

func (s *Sink) write(record memory.TurnRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := s.writer.store.SaveTurn(ctx, record)
	if err == nil {
		s.writer.metrics.TranscriptWrite(record.Role, "saved")
		return
	}

	var statusErr *memory.StatusError
	if errors.As(err, &statusErr) {
		s.writer.metrics.TranscriptWrite(record.Role, "rejected")
		s.logger.Warn("transcript write dropped", "role", record.Role, "seq", record.Seq, "status", statusErr.Code)
		return
	}
	s.writer.metrics.TranscriptWrite(record.Role, "failed")
	s.logger.Error("transcript write failed", "role", record.Role, "seq", record.Seq, "error", err)
}

// Wait blocks until in-flight writes finish. Only tests and shutdown use it.
func (s *Sink) Wait() {
	s.wg.Wait()
}
