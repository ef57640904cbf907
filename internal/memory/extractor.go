package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/larksings/voiceagent/internal/observability"
	"github.com/larksings/voiceagent/internal/policy"
)

const (
	// NoneSentinel is the summarizer's answer for "nothing worth keeping".
	NoneSentinel = "NONE"

	maxHistoryTurns = 20
	maxFactRunes    = 200
	extractTimeout  = 20 * time.Second
)

const extractSystemPrompt = `You maintain long-term memory for a supportive voice companion.
Read the conversation and reply with exactly one concise fact about the user that would help in future conversations, in under 20 words.
If nothing significant about the user was shared, reply with exactly NONE.`

// Turn is one role/content pair of session history.
type Turn struct {
	Role    string
	Content string
}

// Summarizer condenses a prompt into a short answer.
type Summarizer interface {
	Summarize(ctx context.Context, system, prompt string) (string, error)
}

// Extractor turns a finished session into at most one persisted fact.
type Extractor struct {
	store      Store
	summarizer Summarizer
	metrics    *observability.Metrics
	logger     *slog.Logger
	redactPII  bool

	wg sync.WaitGroup
}

func NewExtractor(store Store, summarizer Summarizer, metrics *observability.Metrics, logger *slog.Logger, redactPII bool) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		store:      store,
		summarizer: summarizer,
		metrics:    metrics,
		logger:     logger,
		redactPII:  redactPII,
	}
}

// Go runs ExtractAndPersist detached from the caller. The session's own
// context is usually already cancelled at teardown, so the work gets a fresh
// bounded context.
func (e *Extractor) Go(history []Turn, userID string) {
	if e == nil || strings.TrimSpace(userID) == "" {
		return
	}
	turns := make([]Turn, len(history))
	copy(turns, history)

	e.wg.Add(1)
	e.metrics.BackgroundStarted()
	go func() {
		defer e.wg.Done()
		defer e.metrics.BackgroundDone()
		ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
		defer cancel()
		e.ExtractAndPersist(ctx, turns, userID)
	}()
}

// Wait blocks until detached extractions finish. Only tests and shutdown use it.
func (e *Extractor) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

// ExtractAndPersist summarizes history into one fact and stores it. Every
// failure is logged and swallowed.
func (e *Extractor) ExtractAndPersist(ctx context.Context, history []Turn, userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	if e.summarizer == nil || e.store == nil {
		e.metrics.MemoryWrite("disabled")
		return
	}

	turns := RecentTurns(history, maxHistoryTurns)
	if len(turns) == 0 {
		e.metrics.MemoryWrite("empty")
		return
	}

	answer, err := e.summarizer.Summarize(ctx, extractSystemPrompt, TranscriptPrompt(turns))
	if err != nil {
		e.metrics.MemoryWrite("summarize_failed")
		e.logger.Error("memory summarization failed", "user_id", userID, "error", err)
		return
	}

	fact, ok := normalizeFact(answer)
	if !ok {
		e.metrics.MemoryWrite("none")
		e.logger.Debug("no memory worth keeping", "user_id", userID)
		return
	}
	if e.redactPII {
		fact, _ = policy.RedactPII(fact)
	}

	err = e.store.SaveFact(ctx, Fact{
		Type:       FactType,
		Content:    fact,
		Importance: DefaultImportance,
		UserID:     userID,
	})
	if err != nil {
		e.metrics.MemoryWrite("failed")
		e.logger.Error("memory write dropped", "user_id", userID, "error", err)
		return
	}
	e.metrics.MemoryWrite("saved")
	e.logger.Info("memory saved", "user_id", userID)
}

// RecentTurns keeps the well-formed turns among the last limit entries.
func RecentTurns(history []Turn, limit int) []Turn {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Turn, 0, len(history))
	for _, t := range history {
		role := strings.ToLower(strings.TrimSpace(t.Role))
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		switch role {
		case RoleUser:
		case RoleAgent, "assistant":
			role = RoleAgent
		default:
			continue
		}
		out = append(out, Turn{Role: role, Content: content})
	}
	return out
}

// TranscriptPrompt renders turns as a plain "role: text" transcript.
func TranscriptPrompt(turns []Turn) string {
	var b strings.Builder
	b.WriteString("Conversation:\n")
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nFact:")
	return b.String()
}

func normalizeFact(answer string) (string, bool) {
	fact := strings.TrimSpace(answer)
	fact = strings.TrimPrefix(fact, "Fact:")
	fact = strings.TrimSpace(strings.TrimLeft(fact, "-* "))
	fact = strings.Trim(fact, "\"'`")
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return "", false
	}
	if strings.EqualFold(strings.TrimRight(fact, ".!"), NoneSentinel) {
		return "", false
	}
	if r := []rune(fact); len(r) > maxFactRunes {
		fact = strings.TrimSpace(string(r[:maxFactRunes]))
	}
	return fact, true
}
