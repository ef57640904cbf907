package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	// MinPayloadLen guards against empty-but-present payloads such as "{}".
	MinPayloadLen = 2

	DefaultPollAttempts = 5
	DefaultPollInterval = 500 * time.Millisecond
)

// RoomMetadataSource exposes the most recently observed room metadata.
type RoomMetadataSource interface {
	Metadata() string
}

// Source says where a resolved payload came from.
type Source string

const (
	SourceJob       Source = "job"
	SourceRoom      Source = "room"
	SourceNone      Source = "none"
	SourceMalformed Source = "malformed"
)

// Resolution is the outcome of Resolve. Found is false when the caller should
// fall back to defaults.
type Resolution struct {
	Payload  Payload
	Source   Source
	Found    bool
	Attempts int
}

// Resolver picks the dispatch payload for a session, preferring job metadata
// over room metadata that may arrive late.
type Resolver struct {
	PollAttempts int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// NewResolver returns a resolver using the fixed polling budget.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		PollAttempts: DefaultPollAttempts,
		PollInterval: DefaultPollInterval,
		Logger:       logger,
	}
}

// Resolve never fails: malformed or missing metadata yields an empty
// resolution and is only logged.
func (r *Resolver) Resolve(ctx context.Context, jobMetadata string, source RoomMetadataSource) Resolution {
	if usable(jobMetadata) {
		return r.parse(jobMetadata, SourceJob, 0)
	}

	if source == nil {
		r.Logger.Info("no dispatch metadata available")
		return Resolution{Source: SourceNone}
	}

	attempts := r.PollAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var raw string
	n := 0
	for n < attempts {
		n++
		raw = source.Metadata()
		if usable(raw) {
			break
		}
		if n == attempts {
			break
		}
		r.Logger.Debug("room metadata not ready", "attempt", n)
		if !sleepCtx(ctx, r.PollInterval) {
			break
		}
	}

	if !usable(raw) {
		r.Logger.Info("no dispatch metadata after polling", "attempts", n)
		return Resolution{Source: SourceNone, Attempts: n}
	}
	return r.parse(raw, SourceRoom, n)
}

func (r *Resolver) parse(raw string, src Source, attempts int) Resolution {
	p, err := Parse(raw)
	if err != nil {
		r.Logger.Error("failed to parse dispatch metadata", "source", string(src), "error", err)
		return Resolution{Source: SourceMalformed, Attempts: attempts}
	}
	r.Logger.Info("dispatch metadata resolved",
		"source", string(src),
		"agent", p.AgentName,
		"memories", len(p.Memories),
		"topic", p.Topic != "",
	)
	return Resolution{Payload: p, Source: src, Found: true, Attempts: attempts}
}

func usable(raw string) bool {
	return len(strings.TrimSpace(raw)) > MinPayloadLen
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
