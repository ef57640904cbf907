// Package llm provides the short-answer summarization used for long-term memory.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer condenses a prompt into a short answer.
type Summarizer interface {
	Summarize(ctx context.Context, system, prompt string) (string, error)
}

// Options selects a provider. Provider is auto, openai, gemini or none.
type Options struct {
	Provider      string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	GeminiAPIKey  string
	GeminiModel   string
}

// New builds the configured summarizer. It returns a nil Summarizer and the
// name "none" when no provider is usable; memory extraction is then disabled.
func New(ctx context.Context, opts Options) (Summarizer, string, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" || provider == "auto" {
		switch {
		case strings.TrimSpace(opts.OpenAIAPIKey) != "":
			provider = "openai"
		case strings.TrimSpace(opts.GeminiAPIKey) != "":
			provider = "gemini"
		default:
			provider = "none"
		}
	}

	switch provider {
	case "openai":
		if strings.TrimSpace(opts.OpenAIAPIKey) == "" {
			return nil, "", fmt.Errorf("openai summarizer requires OPENAI_API_KEY")
		}
		return NewOpenAISummarizer(opts.OpenAIBaseURL, opts.OpenAIAPIKey, opts.OpenAIModel, nil), provider, nil
	case "gemini":
		s, err := NewGeminiSummarizer(ctx, opts.GeminiAPIKey, opts.GeminiModel)
		if err != nil {
			return nil, "", err
		}
		return s, provider, nil
	case "none":
		return nil, provider, nil
	default:
		return nil, "", fmt.Errorf("unsupported summarizer provider %q", opts.Provider)
	}
}

// StaticSummarizer answers every prompt with the same text. It backs offline
// runs and tests.
type StaticSummarizer struct {
	Answer string
	Err    error
}

func (s StaticSummarizer) Summarize(context.Context, string, string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return s.Answer, nil
}
