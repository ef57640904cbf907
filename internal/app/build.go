package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/larksings/voiceagent/internal/config"
	"github.com/larksings/voiceagent/internal/dispatch"
	"github.com/larksings/voiceagent/internal/httpapi"
	"github.com/larksings/voiceagent/internal/llm"
	"github.com/larksings/voiceagent/internal/memory"
	"github.com/larksings/voiceagent/internal/observability"
	"github.com/larksings/voiceagent/internal/persona"
	"github.com/larksings/voiceagent/internal/session"
	"github.com/larksings/voiceagent/internal/transcript"
	"github.com/larksings/voiceagent/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Dispatcher   *Dispatcher
	Registry     *persona.Registry
	Metrics      *observability.Metrics
	Extractor    *memory.Extractor
	Summarizer   string

	// Cleanup should be called on shutdown to release external resources (DB, idle connections).
	Cleanup func() error
}

// Option tweaks Build for tests.
type Option func(*buildOptions)

type buildOptions struct {
	metrics *observability.Metrics
	logger  *slog.Logger
}

// WithMetrics supplies a metrics set instead of registering a new one.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *buildOptions) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

func Build(ctx context.Context, cfg config.Config, opts ...Option) (*BuildResult, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	logger := bo.logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := bo.metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	registry, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	store, err := memory.NewStore(ctx, memory.Options{
		Backend:     cfg.MemoryBackend,
		APIBaseURL:  cfg.APIBaseURL,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	summarizer, provider, err := llm.New(ctx, llm.Options{
		Provider:      cfg.SummarizerProvider,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAISummaryModel,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiModel:   cfg.GeminiSummaryModel,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("summarizer init failed: %w", err)
	}
	if summarizer == nil {
		logger.Warn("no summarizer configured; long-term memory extraction disabled")
	}

	engines, err := newEngineFactory(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if !cfg.UseOpenAITTS && cfg.CartesiaAPIKey == "" {
		logger.Warn("cartesia tts selected without CARTESIA_API_KEY")
	}

	extractor := memory.NewExtractor(store, summarizer, metrics, logger, cfg.MemoryRedactPII)
	writer := transcript.NewWriter(store, metrics, logger, cfg.TranscriptRedactPII)

	sessions := session.NewManager(cfg.SessionRetention)
	sessions.SetTransitionHook(func(s session.Session, from session.State) {
		if from != "" {
			metrics.Transition(string(from), string(s.State))
		}
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	var recaller memory.Recaller
	if r, ok := store.(memory.Recaller); ok {
		recaller = r
	}

	orchestrator := voice.NewOrchestrator(voice.Deps{
		Registry:    registry,
		Resolver:    dispatch.NewResolver(logger),
		Engines:     engines,
		Transcripts: writer,
		Extractor:   extractor,
		Recaller:    recaller,
		Sessions:    sessions,
		Metrics:     metrics,
		Speech: voice.SpeechConfig{
			DeepgramAPIKey: cfg.DeepgramAPIKey,
			UseOpenAITTS:   cfg.UseOpenAITTS,
		},
		Logger: logger,
	})

	dispatcher := NewDispatcher(ctx, orchestrator, newRoomFactory(cfg, logger), cfg.MaxConcurrentSessions, logger)
	api := httpapi.New(cfg, sessions, registry, dispatcher, metrics)

	cleanup := func() error {
		dispatcher.Wait()
		extractor.Wait()
		return store.Close()
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Dispatcher:   dispatcher,
		Registry:     registry,
		Metrics:      metrics,
		Extractor:    extractor,
		Summarizer:   provider,
		Cleanup:      cleanup,
	}, nil
}

// loadRegistry builds the persona registry once; it is read-only afterwards.
// DEFAULT_AGENT may name a persona that only the overlay file defines.
func loadRegistry(cfg config.Config) (*persona.Registry, error) {
	registry, err := persona.Load(cfg.DefaultAgent, cfg.PersonaFile)
	if err != nil {
		return nil, fmt.Errorf("persona registry: %w", err)
	}
	return registry, nil
}
