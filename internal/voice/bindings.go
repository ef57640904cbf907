package voice

import (
	"strings"

	"github.com/larksings/voiceagent/internal/persona"
	"github.com/larksings/voiceagent/internal/protocol"
)

// SpeechConfig is the provider selection input taken from the environment.
type SpeechConfig struct {
	DeepgramAPIKey string
	UseOpenAITTS   bool
}

// SpeechBindings are the STT and TTS providers an engine runs with.
type SpeechBindings struct {
	STT protocol.STTBinding
	TTS protocol.TTSBinding
}

// ResolveSpeechBindings picks Deepgram for STT when a real key is configured
// and OpenAI otherwise; TTS is OpenAI unless disabled, then Cartesia with the
// persona's voice settings.
func ResolveSpeechBindings(cfg SpeechConfig, p persona.SessionConfig) SpeechBindings {
	var b SpeechBindings
	if realKey(cfg.DeepgramAPIKey) {
		b.STT = protocol.STTBinding{Provider: "deepgram", Model: "nova-2", Language: p.Language}
	} else {
		b.STT = protocol.STTBinding{Provider: "openai", Language: p.Language}
	}

	if cfg.UseOpenAITTS {
		b.TTS = protocol.TTSBinding{Provider: "openai", Model: "tts-1", Voice: "alloy"}
	} else {
		b.TTS = protocol.TTSBinding{
			Provider: "cartesia",
			Model:    p.TTSModel,
			Voice:    p.Voice,
			Language: p.Language,
			Speed:    p.Speed,
			Emotion:  append([]string(nil), p.Emotion...),
		}
	}
	return b
}

func realKey(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && !strings.HasPrefix(strings.ToLower(key), "your-")
}
