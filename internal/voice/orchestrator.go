package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/larksings/voiceagent/internal/dispatch"
	"github.com/larksings/voiceagent/internal/memory"
	"github.com/larksings/voiceagent/internal/observability"
	"github.com/larksings/voiceagent/internal/persona"
	"github.com/larksings/voiceagent/internal/reliability"
	"github.com/larksings/voiceagent/internal/room"
	"github.com/larksings/voiceagent/internal/session"
	"github.com/larksings/voiceagent/internal/transcript"
)

// ErrConnectFailed is returned by Run when the room could not be joined
// within the connect retry budget.
var ErrConnectFailed = errors.New("room connect failed")

// PersonasAttribute is the participant attribute listing available personas.
const PersonasAttribute = "personas"

const recallLimit = 8

// Timings are the fixed lifecycle delays.
type Timings struct {
	GreetingDelay time.Duration
	SettleDelay   time.Duration
	RecallTimeout time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		GreetingDelay: time.Second,
		SettleDelay:   500 * time.Millisecond,
		RecallTimeout: 350 * time.Millisecond,
	}
}

// TranscriptOpener hands out a recorder per session.
type TranscriptOpener interface {
	Open(id transcript.Identity) transcript.Recorder
}

// MemoryExtractor receives the finished session's history. Go must not block.
type MemoryExtractor interface {
	Go(history []memory.Turn, userID string)
}

// Job is one dispatched session.
type Job struct {
	SessionID   string
	RoomName    string
	JobMetadata string
	Room        room.Room
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Registry    *persona.Registry
	Resolver    *dispatch.Resolver
	Engines     EngineFactory
	Transcripts TranscriptOpener
	Extractor   MemoryExtractor
	// Recaller, when set, supplies stored facts for payloads that carry a
	// user id but no memories.
	Recaller memory.Recaller
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Speech   SpeechConfig
	Logger   *slog.Logger
}

// Orchestrator drives sessions from room connect to memory extraction.
type Orchestrator struct {
	registry    *persona.Registry
	resolver    *dispatch.Resolver
	engines     EngineFactory
	transcripts TranscriptOpener
	extractor   MemoryExtractor
	recaller    memory.Recaller
	sessions    *session.Manager
	metrics     *observability.Metrics
	speech      SpeechConfig
	logger      *slog.Logger

	connect reliability.RetryPolicy
	timings Timings
}

func NewOrchestrator(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := d.Resolver
	if resolver == nil {
		resolver = dispatch.NewResolver(logger)
	}
	sessions := d.Sessions
	if sessions == nil {
		sessions = session.NewManager(0)
	}
	return &Orchestrator{
		registry:    d.Registry,
		resolver:    resolver,
		engines:     d.Engines,
		transcripts: d.Transcripts,
		extractor:   d.Extractor,
		recaller:    d.Recaller,
		sessions:    sessions,
		metrics:     d.Metrics,
		speech:      d.Speech,
		logger:      logger,
		connect:     reliability.ConnectPolicy(),
		timings:     DefaultTimings(),
	}
}

// Sessions exposes the session bookkeeping.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Run drives one session until the room disconnects, the engine stops or ctx
// is cancelled. Only a failure to join the room is returned; everything after
// that degrades and is logged.
func (o *Orchestrator) Run(ctx context.Context, job Job) error {
	if job.Room == nil {
		return errors.New("job has no room")
	}
	sessionID := job.SessionID
	if sessionID == "" {
		sessionID = o.sessions.Create(job.RoomName).ID
	}
	logger := o.logger.With("session_id", sessionID, "room", job.RoomName)
	startedAt := time.Now()
	o.metrics.Event("session_started")

	if err := o.connectRoom(ctx, job.Room, logger); err != nil {
		logger.Error("room connect failed", "error", err)
		o.metrics.Event("connect_failed")
		o.transition(sessionID, session.StateClosed, logger)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	defer job.Room.Close()
	o.transition(sessionID, session.StateResolving, logger)
	o.publishPersonas(ctx, job.Room, logger)

	resolveStart := time.Now()
	res := o.resolver.Resolve(ctx, job.JobMetadata, job.Room)
	o.metrics.MetadataResolved(string(res.Source))
	payload := o.recall(ctx, res.Payload, logger)
	cfg := persona.Compose(o.registry, payload)
	o.metrics.ObserveStage(observability.StageResolve, time.Since(resolveStart))
	_ = o.sessions.Bind(sessionID, session.Binding{
		UserID:         cfg.UserID,
		ConversationID: cfg.ConversationID,
		PersonaID:      cfg.PersonaID,
		MetadataSource: string(res.Source),
	})
	logger = logger.With("persona", cfg.PersonaID)
	logger.Info("session configured", "metadata_source", res.Source, "memories", len(payload.Memories), "has_topic", payload.Topic != "")

	engineStart := time.Now()
	engine, err := o.startEngine(ctx, sessionID, cfg, job.Room)
	if err != nil {
		logger.Error("engine start failed", "error", err)
		o.metrics.Event("engine_failed")
		o.transition(sessionID, session.StateClosing, logger)
		o.transition(sessionID, session.StateClosed, logger)
		return nil
	}
	o.metrics.ObserveStage(observability.StageEngineStart, time.Since(engineStart))
	o.transition(sessionID, session.StateListening, logger)
	logger.Info("session active")

	s := &activeSession{
		id:      sessionID,
		cfg:     cfg,
		engine:  engine,
		room:    job.Room,
		sink:    o.openSink(cfg, job.RoomName),
		logger:  logger,
		started: engineStart,
	}
	reason := o.loop(ctx, s)

	o.close(sessionID, s, reason)
	o.metrics.ObserveStage(observability.StageSession, time.Since(startedAt))
	return nil
}

func (o *Orchestrator) connectRoom(ctx context.Context, r room.Room, logger *slog.Logger) error {
	policy := o.connect
	policy.OnAttempt = func(attempt int, err error) {
		if err == nil {
			o.metrics.ConnectAttempt("ok")
			return
		}
		o.metrics.ConnectAttempt("failed")
		logger.Warn("room connect attempt failed", "attempt", attempt, "of", policy.Attempts, "error", err)
	}
	start := time.Now()
	err := policy.Do(ctx, r.Connect)
	o.metrics.ObserveStage(observability.StageConnect, time.Since(start))
	return err
}

func (o *Orchestrator) publishPersonas(ctx context.Context, r room.Room, logger *slog.Logger) {
	if o.registry == nil {
		return
	}
	raw, err := json.Marshal(o.registry.Summaries())
	if err != nil {
		logger.Error("encode persona list", "error", err)
		return
	}
	if err := r.SetAttributes(ctx, map[string]string{PersonasAttribute: string(raw)}); err != nil {
		logger.Warn("publish persona list failed", "error", err)
	}
}

// recall fills in stored facts when dispatch names a user but sent no
// memories. It is bounded tightly so a slow store never delays the session.
func (o *Orchestrator) recall(ctx context.Context, p dispatch.Payload, logger *slog.Logger) dispatch.Payload {
	if o.recaller == nil || strings.TrimSpace(p.UserID) == "" || len(p.Memories) > 0 {
		return p
	}
	recallCtx, cancel := context.WithTimeout(ctx, o.timings.RecallTimeout)
	defer cancel()
	facts, err := o.recaller.RecentFacts(recallCtx, p.UserID, recallLimit)
	if err != nil {
		logger.Info("memory recall skipped", "error", err)
		return p
	}
	memories := make([]string, 0, len(facts))
	for _, f := range facts {
		if c := strings.TrimSpace(f.Content); c != "" {
			memories = append(memories, c)
		}
	}
	if len(memories) > 0 {
		p.Memories = memories
		o.metrics.ObserveIndicator("memory_recalled")
	}
	return p
}

func (o *Orchestrator) startEngine(ctx context.Context, sessionID string, cfg persona.SessionConfig, r room.Room) (Engine, error) {
	if o.engines == nil {
		return nil, errors.New("no engine factory configured")
	}
	engine, err := o.engines.NewEngine(ctx, EngineOptions{
		SessionID: sessionID,
		Config:    cfg,
		Speech:    ResolveSpeechBindings(o.speech, cfg),
		Room:      r,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	return engine, nil
}

func (o *Orchestrator) openSink(cfg persona.SessionConfig, roomName string) transcript.Recorder {
	if o.transcripts == nil {
		return nopRecorder{}
	}
	return o.transcripts.Open(transcript.Identity{
		UserID:         cfg.UserID,
		ConversationID: cfg.ConversationID,
		RoomName:       roomName,
	})
}

// activeSession is the per-session state owned by the loop goroutine.
type activeSession struct {
	id      string
	cfg     persona.SessionConfig
	engine  Engine
	room    room.Room
	sink    transcript.Recorder
	logger  *slog.Logger
	started time.Time

	lastAgentContent string
}

// loop consumes engine events and lifecycle timers on one goroutine and
// returns the reason the session ended. Returning stops both timers.
func (o *Orchestrator) loop(ctx context.Context, s *activeSession) string {
	// The greeting timer is armed by the first active engine state so the
	// greeting never precedes the engine coming up.
	greetPending := hasSpeakableText(s.cfg.Greeting)
	var greetTimer *time.Timer
	defer func() {
		if greetTimer != nil {
			greetTimer.Stop()
		}
	}()
	var greetC <-chan time.Time

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	var settleC <-chan time.Time

	events := s.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return "cancelled"
		case <-s.room.Disconnected():
			return "room disconnected"
		case <-greetC:
			greetC = nil
			o.greet(ctx, s)
		case <-settleC:
			settleC = nil
			o.recordAgentTurn(s)
		case ev, ok := <-events:
			if !ok {
				return "engine stopped"
			}
			switch ev := ev.(type) {
			case StateChanged:
				s.logger.Info("agent state changed", "from", ev.Old, "to", ev.New)
				next, known := session.ParseState(ev.New)
				if known {
					o.transition(s.id, next, s.logger)
				}
				if greetPending && known && next.Active() {
					greetPending = false
					greetTimer = time.NewTimer(o.timings.GreetingDelay)
					greetC = greetTimer.C
				}
				if ev.Old == string(session.StateSpeaking) && ev.New == string(session.StateListening) {
					// A newer transition restarts the wait; only the latest
					// agent utterance is read.
					settle.Stop()
					settle.Reset(o.timings.SettleDelay)
					settleC = settle.C
				}
			case UserTurnCompleted:
				if text := ev.Item.Content.Text(); text != "" {
					s.sink.Record(memory.RoleUser, text)
				}
			case ItemAdded:
				s.logger.Debug("conversation item added", "role", ev.Item.Role)
			case EngineError:
				s.logger.Error("engine error", "source", ev.Source, "recoverable", ev.Recoverable, "error", ev.Err)
				o.metrics.Event("engine_error")
			case EngineClosed:
				s.logger.Info("engine closed", "reason", ev.Reason)
				return "engine closed"
			}
		}
	}
}

// greet speaks the composed greeting as is.
func (o *Orchestrator) greet(ctx context.Context, s *activeSession) {
	greeting := strings.TrimSpace(s.cfg.Greeting)
	if err := s.engine.Say(ctx, greeting); err != nil {
		s.logger.Error("greeting failed", "error", err)
		return
	}
	o.metrics.ObserveStage(observability.StageGreeting, time.Since(s.started))
	s.logger.Info("greeting sent")
}

// recordAgentTurn mirrors the latest agent utterance unless it repeats the
// previous one.
func (o *Orchestrator) recordAgentTurn(s *activeSession) {
	text, ok := LatestAgentText(s.engine.History())
	if !ok || text == s.lastAgentContent {
		if ok {
			o.metrics.ObserveIndicator("agent_turn_deduped")
		}
		return
	}
	s.lastAgentContent = text
	s.sink.Record(memory.RoleAgent, text)
}

func (o *Orchestrator) close(sessionID string, s *activeSession, reason string) {
	o.transition(sessionID, session.StateClosing, s.logger)
	s.logger.Info("session closing", "reason", reason)

	history := s.engine.History()
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("engine close", "error", err)
	}
	if o.extractor != nil {
		o.extractor.Go(memoryTurns(history), s.cfg.UserID)
	}

	o.transition(sessionID, session.StateClosed, s.logger)
	o.metrics.Event("session_closed")
}

func (o *Orchestrator) transition(sessionID string, to session.State, logger *slog.Logger) {
	if _, err := o.sessions.Transition(sessionID, to); err != nil {
		logger.Debug("session transition ignored", "to", to, "error", err)
	}
}

func memoryTurns(history []ChatItem) []memory.Turn {
	turns := make([]memory.Turn, 0, len(history))
	for _, item := range history {
		if item.Content.IsEmpty() {
			continue
		}
		turns = append(turns, memory.Turn{Role: item.Role, Content: item.Content.Text()})
	}
	return turns
}

type nopRecorder struct{}

func (nopRecorder) Record(string, string) {}
