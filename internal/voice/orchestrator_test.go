package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/larksings/voiceagent/internal/dispatch"
	"github.com/larksings/voiceagent/internal/memory"
	"github.com/larksings/voiceagent/internal/persona"
	"github.com/larksings/voiceagent/internal/room"
	"github.com/larksings/voiceagent/internal/session"
	"github.com/larksings/voiceagent/internal/transcript"
)

type recordedTurn struct {
	role    string
	content string
}

type recordingOpener struct {
	mu     sync.Mutex
	opened []transcript.Identity
	turns  []recordedTurn
}

func (o *recordingOpener) Open(id transcript.Identity) transcript.Recorder {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, id)
	return o
}

func (o *recordingOpener) Record(role, content string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns = append(o.turns, recordedTurn{role: role, content: content})
}

func (o *recordingOpener) byRole(role string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, t := range o.turns {
		if t.role == role {
			out = append(out, t.content)
		}
	}
	return out
}

type extractCall struct {
	history []memory.Turn
	userID  string
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls []extractCall
}

func (e *fakeExtractor) Go(history []memory.Turn, userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, extractCall{history: history, userID: userID})
}

func (e *fakeExtractor) snapshot() []extractCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]extractCall(nil), e.calls...)
}

type failingRoom struct {
	*room.LocalRoom
	attempts atomic.Int32
}

func (r *failingRoom) Connect(context.Context) error {
	r.attempts.Add(1)
	return errors.New("signal unreachable")
}

type countingFactory struct {
	calls atomic.Int32
}

func (f *countingFactory) NewEngine(context.Context, EngineOptions) (Engine, error) {
	f.calls.Add(1)
	return nil, errors.New("should not be called")
}

type staticRecaller struct {
	facts []memory.Fact
}

func (r staticRecaller) RecentFacts(context.Context, string, int) ([]memory.Fact, error) {
	return r.facts, nil
}

type harness struct {
	orch      *Orchestrator
	factory   *MockFactory
	opener    *recordingOpener
	extractor *fakeExtractor
	sessions  *session.Manager
}

func newHarness(t *testing.T, recaller memory.Recaller) *harness {
	t.Helper()
	reg, err := persona.NewBuiltinRegistry("aura_zh")
	if err != nil {
		t.Fatalf("NewBuiltinRegistry() error = %v", err)
	}
	resolver := dispatch.NewResolver(nil)
	resolver.PollInterval = time.Millisecond

	h := &harness{
		factory:   &MockFactory{},
		opener:    &recordingOpener{},
		extractor: &fakeExtractor{},
		sessions:  session.NewManager(time.Minute),
	}
	h.orch = NewOrchestrator(Deps{
		Registry:    reg,
		Resolver:    resolver,
		Engines:     h.factory,
		Transcripts: h.opener,
		Extractor:   h.extractor,
		Recaller:    recaller,
		Sessions:    h.sessions,
		Speech:      SpeechConfig{UseOpenAITTS: true},
	})
	h.orch.timings = Timings{
		GreetingDelay: 20 * time.Millisecond,
		SettleDelay:   30 * time.Millisecond,
		RecallTimeout: 100 * time.Millisecond,
	}
	h.orch.connect.Backoff = time.Millisecond
	return h
}

func (h *harness) start(t *testing.T, r room.Room, metadata string) (<-chan error, *MockEngine) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- h.orch.Run(context.Background(), Job{RoomName: r.Name(), JobMetadata: metadata, Room: r})
	}()
	waitFor(t, "engine built", func() bool { return len(h.factory.Engines()) == 1 })
	engine := h.factory.Engines()[0]
	waitFor(t, "engine started", engine.Started)
	return done, engine
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return")
		return nil
	}
}

func TestRunConnectFailureNeverBuildsEngine(t *testing.T) {
	h := newHarness(t, nil)
	factory := &countingFactory{}
	h.orch.engines = factory
	r := &failingRoom{LocalRoom: room.NewLocalRoom("room-x", "")}

	err := h.orch.Run(context.Background(), Job{RoomName: "room-x", JobMetadata: `{"agentName":"aura"}`, Room: r})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Run() error = %v, want ErrConnectFailed", err)
	}
	if got := r.attempts.Load(); got != 3 {
		t.Fatalf("connect attempts = %d, want 3", got)
	}
	if got := factory.calls.Load(); got != 0 {
		t.Fatalf("engine constructions = %d, want 0", got)
	}
	if len(h.opener.opened) != 0 {
		t.Fatalf("transcript sinks opened = %d, want 0", len(h.opener.opened))
	}
	list := h.sessions.List()
	if len(list) != 1 || list[0].State != session.StateClosed || list[0].PersonaID != "" {
		t.Fatalf("sessions = %+v, want one closed session without persona", list)
	}
}

func TestRunGreetsAndRecordsTurns(t *testing.T) {
	h := newHarness(t, nil)
	r := room.NewLocalRoom("room-a", "")
	done, engine := h.start(t, r, `{"agentName":"aura","userId":"u1","conversationId":"c1","nickname":"Sam","memories":["likes hiking"]}`)

	opts := engine.Options()
	if opts.Config.PersonaID != "aura" || !strings.Contains(opts.Config.Instructions, "likes hiking") {
		t.Fatalf("engine config = %+v", opts.Config)
	}
	if opts.Speech.TTS.Provider != "openai" {
		t.Fatalf("TTS provider = %q, want openai", opts.Speech.TTS.Provider)
	}

	waitFor(t, "greeting", func() bool { return len(engine.Said()) == 1 })
	if got := engine.Said()[0]; got != persona.AuraCounselor.Greeting {
		t.Fatalf("greeting = %q, want persona default", got)
	}
	waitFor(t, "agent turn recorded", func() bool { return len(h.opener.byRole(memory.RoleAgent)) == 1 })

	engine.UserSays("I had a rough week")
	waitFor(t, "user turn recorded", func() bool { return len(h.opener.byRole(memory.RoleUser)) == 1 })
	if got := h.opener.byRole(memory.RoleUser)[0]; got != "I had a rough week" {
		t.Fatalf("user turn = %q", got)
	}

	if !strings.Contains(r.Attributes()[PersonasAttribute], `"aura_zh"`) {
		t.Fatalf("personas attribute = %q", r.Attributes()[PersonasAttribute])
	}

	r.Disconnect()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := h.extractor.snapshot()
	if len(calls) != 1 || calls[0].userID != "u1" || len(calls[0].history) != 2 {
		t.Fatalf("extractor calls = %+v", calls)
	}
	if id := h.opener.opened[0]; id.UserID != "u1" || id.ConversationID != "c1" || id.RoomName != "room-a" {
		t.Fatalf("sink identity = %+v", id)
	}
	s := h.sessions.List()[0]
	if s.State != session.StateClosed || s.PersonaID != "aura" || s.MetadataSource != "job" {
		t.Fatalf("session = %+v", s)
	}
}

func TestRunDedupesRepeatedAgentUtterance(t *testing.T) {
	h := newHarness(t, nil)
	r := room.NewLocalRoom("room-d", "")
	done, engine := h.start(t, r, `{"agentName":"aura","userId":"u1","conversationId":"c1"}`)

	waitFor(t, "greeting recorded", func() bool { return len(h.opener.byRole(memory.RoleAgent)) == 1 })

	engine.Emit(StateChanged{Old: "listening", New: "speaking"})
	engine.Emit(StateChanged{Old: "speaking", New: "listening"})
	time.Sleep(4 * h.orch.timings.SettleDelay)

	if got := len(h.opener.byRole(memory.RoleAgent)); got != 1 {
		t.Fatalf("agent records = %d, want 1", got)
	}

	engine.AppendHistory(ChatItem{ID: "a2", Role: ChatRoleAssistant, Content: TextContent("Tell me more.")})
	engine.Emit(StateChanged{Old: "listening", New: "speaking"})
	engine.Emit(StateChanged{Old: "speaking", New: "listening"})
	waitFor(t, "second agent turn", func() bool { return len(h.opener.byRole(memory.RoleAgent)) == 2 })

	r.Disconnect()
	waitDone(t, done)
}

func TestRunOverlappingSettlesReadOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.timings.GreetingDelay = time.Hour
	r := room.NewLocalRoom("room-o", "")
	done, engine := h.start(t, r, `{"userId":"u1","conversationId":"c1"}`)

	engine.AppendHistory(ChatItem{ID: "a1", Role: ChatRoleAssistant, Content: TextContent("first")})
	engine.Emit(StateChanged{Old: "speaking", New: "listening"})
	engine.AppendHistory(ChatItem{ID: "a2", Role: ChatRoleAssistant, Content: TextContent("second")})
	engine.Emit(StateChanged{Old: "speaking", New: "listening"})

	waitFor(t, "agent turn", func() bool { return len(h.opener.byRole(memory.RoleAgent)) >= 1 })
	time.Sleep(3 * h.orch.timings.SettleDelay)
	got := h.opener.byRole(memory.RoleAgent)
	if len(got) != 1 || got[0] != "second" {
		t.Fatalf("agent records = %v, want only the latest", got)
	}

	r.Disconnect()
	waitDone(t, done)
}

func TestRunEngineErrorsDoNotEndSession(t *testing.T) {
	h := newHarness(t, nil)
	r := room.NewLocalRoom("room-e", "")
	done, engine := h.start(t, r, "")

	engine.Emit(EngineError{Source: "tts", Err: errors.New("quota"), Recoverable: true})
	select {
	case <-done:
		t.Fatalf("Run returned after an engine error")
	case <-time.After(50 * time.Millisecond):
	}

	engine.Emit(EngineClosed{Reason: "gateway shutdown"})
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.sessions.List()[0].State; got != session.StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestRunWithoutMetadataUsesDefaultPersona(t *testing.T) {
	h := newHarness(t, nil)
	r := room.NewLocalRoom("room-n", "")
	done, engine := h.start(t, r, "")

	cfg := engine.Options().Config
	if cfg.PersonaID != "aura_zh" || cfg.Instructions != persona.AuraChinese.Instructions {
		t.Fatalf("config = %+v, want default persona unchanged", cfg)
	}

	engine.UserSays("你好")
	r.Disconnect()
	waitDone(t, done)

	calls := h.extractor.snapshot()
	if len(calls) != 1 || calls[0].userID != "" {
		t.Fatalf("extractor calls = %+v, want one call without user", calls)
	}
}

func TestRunRecallsStoredFacts(t *testing.T) {
	h := newHarness(t, staticRecaller{facts: []memory.Fact{{Content: "has a dog named Bo"}}})
	r := room.NewLocalRoom("room-r", "")
	done, engine := h.start(t, r, `{"agentName":"aura","userId":"u9"}`)

	if !strings.Contains(engine.Options().Config.Instructions, "has a dog named Bo") {
		t.Fatalf("instructions missing recalled fact")
	}
	r.Disconnect()
	waitDone(t, done)
}

func TestRunCancelStopsPendingGreeting(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.timings.GreetingDelay = time.Hour
	r := room.NewLocalRoom("room-c", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, Job{RoomName: "room-c", Room: r}) }()
	waitFor(t, "engine built", func() bool { return len(h.factory.Engines()) == 1 })
	engine := h.factory.Engines()[0]
	waitFor(t, "engine started", engine.Started)

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(engine.Said()) != 0 {
		t.Fatalf("greeting spoken after cancel")
	}
}

func TestDefaultTimings(t *testing.T) {
	got := DefaultTimings()
	if got.GreetingDelay != time.Second {
		t.Fatalf("GreetingDelay = %v, want 1s", got.GreetingDelay)
	}
	if got.SettleDelay != 500*time.Millisecond {
		t.Fatalf("SettleDelay = %v, want 500ms", got.SettleDelay)
	}
	if got.RecallTimeout != 350*time.Millisecond {
		t.Fatalf("RecallTimeout = %v, want 350ms", got.RecallTimeout)
	}
	if o := NewOrchestrator(Deps{}); o.timings != got {
		t.Fatalf("orchestrator timings = %+v, want defaults", o.timings)
	}
}

func TestRunOnlySpeakingToListeningRecordsAgentTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.timings.GreetingDelay = time.Hour
	r := room.NewLocalRoom("room-s", "")
	done, engine := h.start(t, r, `{"userId":"u1","conversationId":"c1"}`)

	engine.AppendHistory(ChatItem{ID: "a1", Role: ChatRoleAssistant, Content: TextContent("still thinking it over")})
	engine.Emit(StateChanged{Old: "listening", New: "thinking"})
	engine.Emit(StateChanged{Old: "thinking", New: "listening"})
	engine.Emit(StateChanged{Old: "listening", New: "listening"})
	time.Sleep(4 * h.orch.timings.SettleDelay)
	if got := h.opener.byRole(memory.RoleAgent); len(got) != 0 {
		t.Fatalf("agent records = %v, want none without speaking", got)
	}

	engine.Emit(StateChanged{Old: "listening", New: "speaking"})
	engine.Emit(StateChanged{Old: "speaking", New: "listening"})
	waitFor(t, "agent turn after speaking", func() bool { return len(h.opener.byRole(memory.RoleAgent)) == 1 })

	r.Disconnect()
	waitDone(t, done)
}

func TestRunGreetingKeepsComposedText(t *testing.T) {
	h := newHarness(t, nil)
	r := room.NewLocalRoom("room-g", "")
	done, engine := h.start(t, r, `{"agentName":"aura","greeting":"Hi there 🌿 so glad you came"}`)

	waitFor(t, "greeting", func() bool { return len(engine.Said()) == 1 })
	if got := engine.Said()[0]; got != "Hi there 🌿 so glad you came" {
		t.Fatalf("greeting = %q, want composed greeting unchanged", got)
	}
	r.Disconnect()
	waitDone(t, done)
}

func TestRunSkipsUnspeakableGreeting(t *testing.T) {
	h := newHarness(t, nil)
	r := room.NewLocalRoom("room-u", "")
	done, engine := h.start(t, r, `{"agentName":"aura","greeting":"🌿✨"}`)

	time.Sleep(5 * h.orch.timings.GreetingDelay)
	if said := engine.Said(); len(said) != 0 {
		t.Fatalf("said = %v, want no greeting", said)
	}
	r.Disconnect()
	waitDone(t, done)
}

// gatewayEngines builds gateway engines against url with a short start wait.
func gatewayEngines(url string, startTimeout time.Duration) EngineFactory {
	return EngineFactoryFunc(func(_ context.Context, opts EngineOptions) (Engine, error) {
		e := NewGatewayEngine(url, opts, nil)
		e.startTimeout = startTimeout
		return e, nil
	})
}

func TestRunGreetingWaitsForActiveEngine(t *testing.T) {
	g, url := newGatewayServer(t, true)
	h := newHarness(t, nil)
	h.orch.engines = gatewayEngines(url, time.Second)
	r := room.NewLocalRoom("room-w", "")

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), Job{RoomName: "room-w", Room: r}) }()
	<-g.starts
	conn := <-g.conns

	select {
	case say := <-g.says:
		t.Fatalf("greeting %q sent before the engine reported an active state", say.Text)
	case <-time.After(10 * h.orch.timings.GreetingDelay):
	}

	_ = conn.WriteJSON(map[string]any{"type": "agent_state_changed", "old_state": "initializing", "new_state": "listening"})
	select {
	case say := <-g.says:
		if say.Text != persona.AuraChinese.Greeting {
			t.Fatalf("greeting = %q, want %q", say.Text, persona.AuraChinese.Greeting)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no greeting after engine became active")
	}

	r.Disconnect()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunUnacknowledgedEngineNeverGreets(t *testing.T) {
	g, url := newGatewayServer(t, false)
	h := newHarness(t, nil)
	h.orch.engines = gatewayEngines(url, 100*time.Millisecond)
	r := room.NewLocalRoom("room-q", "")

	err := h.orch.Run(context.Background(), Job{RoomName: "room-q", Room: r})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil after engine start failure", err)
	}
	select {
	case say := <-g.says:
		t.Fatalf("greeting %q sent to an engine that never started", say.Text)
	case <-time.After(5 * h.orch.timings.GreetingDelay):
	}
	if got := h.sessions.List()[0].State; got != session.StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}
