package voice

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrEngineClosed = errors.New("engine closed")

// MockEngine is an in-process engine for local runs and tests. Said text is
// appended to history and reported as a speaking turn; user turns are
// injected with UserSays.
type MockEngine struct {
	// StartErr, when set, makes Start fail.
	StartErr error

	opts EngineOptions

	mu      sync.Mutex
	events  chan Event
	history []ChatItem
	said    []string
	state   string
	started bool
	closed  bool
}

func NewMockEngine(opts EngineOptions) *MockEngine {
	return &MockEngine{
		opts:   opts,
		events: make(chan Event, 128),
		state:  "initializing",
	}
}

// Options returns what the engine was built with.
func (e *MockEngine) Options() EngineOptions { return e.opts }

func (e *MockEngine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		return e.StartErr
	}
	if e.closed {
		return ErrEngineClosed
	}
	e.started = true
	e.setStateLocked("listening")
	return nil
}

func (e *MockEngine) Say(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	e.said = append(e.said, text)
	item := ChatItem{ID: uuid.NewString(), Role: ChatRoleAssistant, Content: TextContent(text)}
	e.setStateLocked("speaking")
	e.history = append(e.history, item)
	e.emitLocked(ItemAdded{Item: item})
	e.setStateLocked("listening")
	return nil
}

// UserSays simulates a completed user turn followed by the agent thinking.
func (e *MockEngine) UserSays(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	item := ChatItem{ID: uuid.NewString(), Role: ChatRoleUser, Content: TranscriptContent(text)}
	e.history = append(e.history, item)
	e.emitLocked(UserTurnCompleted{Item: item})
	e.setStateLocked("thinking")
}

// Emit delivers an arbitrary event.
func (e *MockEngine) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.emitLocked(ev)
}

// AppendHistory adds an item without emitting anything.
func (e *MockEngine) AppendHistory(item ChatItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, item)
}

func (e *MockEngine) Said() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.said...)
}

func (e *MockEngine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *MockEngine) Events() <-chan Event { return e.events }

func (e *MockEngine) History() []ChatItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ChatItem(nil), e.history...)
}

func (e *MockEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.events)
	return nil
}

func (e *MockEngine) setStateLocked(next string) {
	if e.state == next {
		return
	}
	prev := e.state
	e.state = next
	e.emitLocked(StateChanged{Old: prev, New: next})
}

func (e *MockEngine) emitLocked(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// MockFactory builds MockEngines and remembers them.
type MockFactory struct {
	mu      sync.Mutex
	engines []*MockEngine
}

func (f *MockFactory) NewEngine(_ context.Context, opts EngineOptions) (Engine, error) {
	e := NewMockEngine(opts)
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

// Engines returns every engine built so far.
func (f *MockFactory) Engines() []*MockEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockEngine(nil), f.engines...)
}
