package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/larksings/voiceagent/internal/httpapi"
	"github.com/larksings/voiceagent/internal/room"
	"github.com/larksings/voiceagent/internal/session"
	"github.com/larksings/voiceagent/internal/voice"
)

// Runner runs one session to completion.
type Runner interface {
	Run(ctx context.Context, job voice.Job) error
	Sessions() *session.Manager
}

// Dispatcher starts sessions in the background, bounded by a semaphore.
type Dispatcher struct {
	ctx    context.Context
	runner Runner
	rooms  RoomFactory
	sem    *semaphore.Weighted
	limit  int
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]room.Room
	wg     sync.WaitGroup
}

func NewDispatcher(ctx context.Context, runner Runner, rooms RoomFactory, limit int, logger *slog.Logger) *Dispatcher {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ctx:    ctx,
		runner: runner,
		rooms:  rooms,
		sem:    semaphore.NewWeighted(int64(limit)),
		limit:  limit,
		logger: logger,
		active: make(map[string]room.Room),
	}
}

// Dispatch starts a session and returns its id without waiting for it.
func (d *Dispatcher) Dispatch(req httpapi.JobRequest) (string, error) {
	name := strings.TrimSpace(req.RoomName)
	if name == "" {
		return "", errors.New("room name is required")
	}
	if !d.sem.TryAcquire(1) {
		return "", session.ErrAtCapacity
	}

	s := d.runner.Sessions().Create(name)
	r := d.rooms(name, req.RoomMetadata)

	d.mu.Lock()
	d.active[s.ID] = r
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		defer func() {
			d.mu.Lock()
			delete(d.active, s.ID)
			d.mu.Unlock()
		}()

		err := d.runner.Run(d.ctx, voice.Job{
			SessionID:   s.ID,
			RoomName:    name,
			JobMetadata: req.Metadata,
			Room:        r,
		})
		if err != nil {
			d.logger.Error("session ended with error", "session_id", s.ID, "room", name, "error", err)
		}
	}()
	return s.ID, nil
}

// Hangup disconnects a running session's room.
func (d *Dispatcher) Hangup(sessionID string) bool {
	d.mu.Lock()
	r, ok := d.active[sessionID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	_ = r.Close()
	return true
}

func (d *Dispatcher) Capacity() int { return d.limit }

// Running counts sessions whose Run has not returned.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Wait blocks until every dispatched session has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
