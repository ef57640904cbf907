package persona

import (
	"strings"

	"github.com/larksings/voiceagent/internal/dispatch"
)

// PlaceholderName is used when dispatch carries no nickname.
const PlaceholderName = "User"

// SessionConfig is the final, per-session configuration derived from a
// persona template and a dispatch payload. It is a value: callers get their
// own copy and nothing in it aliases the registry.
type SessionConfig struct {
	PersonaID      string
	PersonaName    string
	Instructions   string
	Greeting       string
	Voice          string
	TTSModel       string
	LLMModel       string
	Language       string
	Speed          string
	Emotion        []string
	UserID         string
	ConversationID string
	DisplayName    string
}

// Compose layers dispatch overrides, user memories and topic customization
// over the selected persona. It never fails: unknown personas fall back to
// the registry default and absent inputs skip their step.
func Compose(reg *Registry, p dispatch.Payload) SessionConfig {
	base, _ := reg.Lookup(p.AgentName)
	cfg := fromDefaults(base)
	cfg.UserID = p.UserID
	cfg.ConversationID = p.ConversationID
	cfg.DisplayName = displayName(p.Nickname)

	cfg = withOverrides(cfg, p.SystemPrompt, p.Greeting)
	cfg = withMemories(cfg, p.Memories)
	cfg = withTopic(cfg, p.Topic, p.TopicGreeting, p.TopicInstruction)
	return cfg
}

func fromDefaults(d Defaults) SessionConfig {
	return SessionConfig{
		PersonaID:    d.ID,
		PersonaName:  d.Name,
		Instructions: d.Instructions,
		Greeting:     d.Greeting,
		Voice:        d.Voice,
		TTSModel:     d.TTSModel,
		LLMModel:     d.LLMModel,
		Language:     d.Language,
		Speed:        d.Speed,
		Emotion:      cloneStrings(d.Emotion),
	}
}

func withOverrides(cfg SessionConfig, systemPrompt, greeting string) SessionConfig {
	if systemPrompt = strings.TrimSpace(systemPrompt); systemPrompt != "" {
		cfg.Instructions = systemPrompt
	}
	if greeting = strings.TrimSpace(greeting); greeting != "" {
		cfg.Greeting = greeting
	}
	return cfg
}

func withMemories(cfg SessionConfig, memories []string) SessionConfig {
	if len(memories) == 0 {
		return cfg
	}
	cfg.Instructions += MemoryBlock(cfg.DisplayName, memories)
	return cfg
}

func withTopic(cfg SessionConfig, topic, greeting, instruction string) SessionConfig {
	if strings.TrimSpace(topic) == "" {
		return cfg
	}
	if greeting = strings.TrimSpace(greeting); greeting != "" {
		cfg.Greeting = personalizeGreeting(cfg.DisplayName, greeting)
	}
	if instruction = strings.TrimSpace(instruction); instruction != "" {
		cfg.Instructions += TopicBlock(topic, instruction)
	}
	return cfg
}

// MemoryBlock renders the user context appended to the instructions.
func MemoryBlock(name string, memories []string) string {
	var b strings.Builder
	b.WriteString("\n\n---\nUser Context:\nName: ")
	b.WriteString(name)
	b.WriteString("\n\nThings you remember about this user (IMPORTANT):\n")
	for _, m := range memories {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	b.WriteString("\nYou MUST actively use this context: address the user by name and bring up what you remember when it is relevant. Do not merely store it.\n---\n")
	return b.String()
}

// TopicBlock renders the topic instruction appended to the instructions.
func TopicBlock(topic, instruction string) string {
	var b strings.Builder
	b.WriteString("\n\n---\nToday's Topic: ")
	b.WriteString(strings.TrimSpace(topic))
	b.WriteString("\nSpecial tone requirement for this conversation:\n")
	b.WriteString(instruction)
	b.WriteString("\n---\n")
	return b.String()
}

func personalizeGreeting(name, greeting string) string {
	if name == "" || name == PlaceholderName {
		return greeting
	}
	return "Hi " + name + ", " + greeting
}

func displayName(nickname string) string {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return PlaceholderName
	}
	return nickname
}
