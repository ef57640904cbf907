package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice agent worker.
type Config struct {
	BindAddr              string
	ShutdownTimeout       time.Duration
	MetricsNamespace      string
	MaxConcurrentSessions int
	SessionRetention      time.Duration
	LogLevel              string

	APIBaseURL    string
	MemoryBackend string
	DatabaseURL   string

	DefaultAgent string
	PersonaFile  string

	RoomSignalURL string
	RoomToken     string

	EngineMode       string
	EngineGatewayURL string

	DeepgramAPIKey string
	UseOpenAITTS   bool
	CartesiaAPIKey string

	SummarizerProvider string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAISummaryModel string
	GeminiAPIKey       string
	GeminiSummaryModel string

	MemoryRedactPII     bool
	TranscriptRedactPII bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voiceagent"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		APIBaseURL:       envOrDefault("API_BASE_URL", "https://api.larksings.com"),
		MemoryBackend:    envOrDefault("MEMORY_BACKEND", "http"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		// The Chinese counselor is the house default when dispatch names nobody.
		DefaultAgent:       envOrDefault("DEFAULT_AGENT", "aura_zh"),
		PersonaFile:        stringsTrimSpace("PERSONA_FILE"),
		RoomSignalURL:      stringsTrimSpace("ROOM_SIGNAL_URL"),
		RoomToken:          stringsTrimSpace("ROOM_TOKEN"),
		EngineMode:         envOrDefault("ENGINE_MODE", "mock"),
		EngineGatewayURL:   stringsTrimSpace("ENGINE_GATEWAY_URL"),
		DeepgramAPIKey:     stringsTrimSpace("DEEPGRAM_API_KEY"),
		UseOpenAITTS:       true,
		CartesiaAPIKey:     stringsTrimSpace("CARTESIA_API_KEY"),
		SummarizerProvider: envOrDefault("SUMMARIZER_PROVIDER", "auto"),
		OpenAIAPIKey:       stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:      envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAISummaryModel: envOrDefault("OPENAI_SUMMARY_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:       stringsTrimSpace("GEMINI_API_KEY"),
		GeminiSummaryModel: envOrDefault("GEMINI_SUMMARY_MODEL", "gemini-2.0-flash"),
		MemoryRedactPII:    true,

		MaxConcurrentSessions: 8,
		ShutdownTimeout:       15 * time.Second,
		SessionRetention:      10 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentSessions, err = intFromEnv("APP_MAX_CONCURRENT_SESSIONS", cfg.MaxConcurrentSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.UseOpenAITTS, err = boolFromEnv("USE_OPENAI_TTS", cfg.UseOpenAITTS)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.MemoryRedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptRedactPII, err = boolFromEnv("TRANSCRIPT_REDACT_PII", cfg.TranscriptRedactPII)
	if err != nil {
		return Config{}, err
	}

	cfg.MemoryBackend = strings.ToLower(cfg.MemoryBackend)
	cfg.EngineMode = strings.ToLower(cfg.EngineMode)
	cfg.SummarizerProvider = strings.ToLower(cfg.SummarizerProvider)

	if cfg.MaxConcurrentSessions <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONCURRENT_SESSIONS must be positive")
	}
	switch cfg.MemoryBackend {
	case "http", "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("MEMORY_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return Config{}, fmt.Errorf("invalid MEMORY_BACKEND: %q (expected http|postgres|memory)", cfg.MemoryBackend)
	}
	switch cfg.EngineMode {
	case "mock":
	case "gateway":
		if cfg.EngineGatewayURL == "" {
			return Config{}, fmt.Errorf("ENGINE_MODE=gateway requires ENGINE_GATEWAY_URL")
		}
	default:
		return Config{}, fmt.Errorf("invalid ENGINE_MODE: %q (expected gateway|mock)", cfg.EngineMode)
	}
	switch cfg.SummarizerProvider {
	case "auto", "openai", "gemini", "none":
	default:
		return Config{}, fmt.Errorf("invalid SUMMARIZER_PROVIDER: %q (expected auto|openai|gemini|none)", cfg.SummarizerProvider)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
