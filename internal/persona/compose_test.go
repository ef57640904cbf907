package persona

import (
	"strings"
	"sync"
	"testing"

	"github.com/larksings/voiceagent/internal/dispatch"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewBuiltinRegistry("aura_zh")
	if err != nil {
		t.Fatalf("NewBuiltinRegistry() error = %v", err)
	}
	return reg
}

func TestComposeUnknownAgentFallsBackToDefault(t *testing.T) {
	reg := testRegistry(t)
	cfg := Compose(reg, dispatch.Payload{AgentName: "nobody"})
	if cfg.PersonaID != "aura_zh" {
		t.Fatalf("PersonaID = %q, want %q", cfg.PersonaID, "aura_zh")
	}
	if cfg.Instructions != AuraChinese.Instructions {
		t.Fatalf("Instructions differ from default persona")
	}
	if cfg.Greeting != AuraChinese.Greeting {
		t.Fatalf("Greeting = %q, want default", cfg.Greeting)
	}
}

func TestComposeUnknownAgentWithMemoriesKeepsBasePrefix(t *testing.T) {
	reg := testRegistry(t)
	cfg := Compose(reg, dispatch.Payload{AgentName: "nobody", Nickname: "Kim", Memories: []string{"plays piano"}})
	want := AuraChinese.Instructions + MemoryBlock("Kim", []string{"plays piano"})
	if cfg.Instructions != want {
		t.Fatalf("Instructions = %q, want %q", cfg.Instructions, want)
	}
}

func TestComposeMemoryBlock(t *testing.T) {
	reg := testRegistry(t)
	memories := []string{"likes hiking", "has a dog named Rex", "works nights"}
	cfg := Compose(reg, dispatch.Payload{AgentName: "aura", Nickname: "Sam", Memories: memories})

	if !strings.HasPrefix(cfg.Instructions, AuraCounselor.Instructions) {
		t.Fatalf("Instructions do not start with the base persona text")
	}
	lines := strings.Split(cfg.Instructions, "\n")
	for _, m := range memories {
		found := false
		for _, l := range lines {
			if l == "- "+m {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("memory %q not present as its own line", m)
		}
	}
	if !strings.Contains(cfg.Instructions, "Sam") {
		t.Fatalf("Instructions missing display name")
	}
	if !strings.Contains(cfg.Instructions, "MUST actively use this context") {
		t.Fatalf("Instructions missing usage directive")
	}
	if cfg.Greeting != AuraCounselor.Greeting {
		t.Fatalf("Greeting = %q, want persona default", cfg.Greeting)
	}
}

func TestComposeMemoryBlockUsesPlaceholderName(t *testing.T) {
	reg := testRegistry(t)
	cfg := Compose(reg, dispatch.Payload{AgentName: "aura", Memories: []string{"likes tea"}})
	if !strings.Contains(cfg.Instructions, "Name: User") {
		t.Fatalf("Instructions missing placeholder display name: %q", cfg.Instructions)
	}
}

func TestComposeEmptyMemoriesAddsNothing(t *testing.T) {
	reg := testRegistry(t)
	cfg := Compose(reg, dispatch.Payload{AgentName: "aura", Nickname: "Sam", Memories: []string{}})
	if cfg.Instructions != AuraCounselor.Instructions {
		t.Fatalf("Instructions changed without memories")
	}
}

func TestComposeTopicGreeting(t *testing.T) {
	reg := testRegistry(t)

	cfg := Compose(reg, dispatch.Payload{AgentName: "aura", Nickname: "Alex", Topic: "work", TopicGreeting: "let's talk"})
	if cfg.Greeting != "Hi Alex, let's talk" {
		t.Fatalf("Greeting = %q, want %q", cfg.Greeting, "Hi Alex, let's talk")
	}
	if cfg.Instructions != AuraCounselor.Instructions {
		t.Fatalf("topic without instruction must not change instructions")
	}

	cfg = Compose(reg, dispatch.Payload{AgentName: "aura", Topic: "work", TopicGreeting: "let's talk"})
	if cfg.Greeting != "let's talk" {
		t.Fatalf("Greeting = %q, want %q", cfg.Greeting, "let's talk")
	}

	cfg = Compose(reg, dispatch.Payload{AgentName: "aura", Nickname: PlaceholderName, Topic: "work", TopicGreeting: "let's talk"})
	if cfg.Greeting != "let's talk" {
		t.Fatalf("Greeting = %q, want unmodified topic greeting", cfg.Greeting)
	}
}

func TestComposeTopicInstructionOnly(t *testing.T) {
	reg := testRegistry(t)
	cfg := Compose(reg, dispatch.Payload{AgentName: "aura", Topic: "grief", TopicInstruction: "Speak slowly and softly."})
	if cfg.Greeting != AuraCounselor.Greeting {
		t.Fatalf("Greeting = %q, want persona default", cfg.Greeting)
	}
	if !strings.HasSuffix(cfg.Instructions, TopicBlock("grief", "Speak slowly and softly.")) {
		t.Fatalf("Instructions missing topic block")
	}
}

func TestComposeTopicFieldsWithoutTopicIgnored(t *testing.T) {
	reg := testRegistry(t)
	cfg := Compose(reg, dispatch.Payload{AgentName: "aura", TopicGreeting: "hey", TopicInstruction: "x"})
	if cfg.Greeting != AuraCounselor.Greeting || cfg.Instructions != AuraCounselor.Instructions {
		t.Fatalf("topic halves applied without a topic: %+v", cfg)
	}
}

func TestComposeBlockOrder(t *testing.T) {
	reg := testRegistry(t)
	cfg := Compose(reg, dispatch.Payload{
		AgentName:        "aura",
		Nickname:         "Sam",
		Memories:         []string{"likes hiking"},
		Topic:            "stress",
		TopicInstruction: "Keep it light.",
	})
	mem := strings.Index(cfg.Instructions, "User Context:")
	topic := strings.Index(cfg.Instructions, "Today's Topic:")
	if mem < len(AuraCounselor.Instructions) || topic < mem {
		t.Fatalf("blocks out of order: memory at %d, topic at %d", mem, topic)
	}
}

func TestComposeDispatchOverrides(t *testing.T) {
	reg := testRegistry(t)
	cfg := Compose(reg, dispatch.Payload{AgentName: "aura", SystemPrompt: "Be brief.", Greeting: "Hello there."})
	if cfg.Instructions != "Be brief." {
		t.Fatalf("Instructions = %q, want override", cfg.Instructions)
	}
	if cfg.Greeting != "Hello there." {
		t.Fatalf("Greeting = %q, want override", cfg.Greeting)
	}
}

func TestComposeNeverMutatesRegistry(t *testing.T) {
	reg := testRegistry(t)
	before, _ := reg.Get("aura")
	p := dispatch.Payload{AgentName: "aura", Nickname: "Sam", Memories: []string{"likes hiking"}, Topic: "t", TopicGreeting: "g", TopicInstruction: "i"}

	first := Compose(reg, p)
	second := Compose(reg, p)
	if first.Instructions != second.Instructions {
		t.Fatalf("Compose is not deterministic")
	}
	after, _ := reg.Get("aura")
	if after.Instructions != before.Instructions || after.Greeting != before.Greeting {
		t.Fatalf("registry entry mutated")
	}
	if AuraCounselor.Instructions != before.Instructions {
		t.Fatalf("package template mutated")
	}
}

func TestComposeConcurrentSessionsShareRegistry(t *testing.T) {
	reg := testRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := Compose(reg, dispatch.Payload{AgentName: "aura", Memories: []string{"m"}})
			cfg.Emotion = append(cfg.Emotion, "calm")
		}(i)
	}
	wg.Wait()
	d, _ := reg.Get("aura")
	if len(d.Emotion) != 0 {
		t.Fatalf("registry emotion mutated: %v", d.Emotion)
	}
}

func TestEndToEndAuraWithMemoryNoTopic(t *testing.T) {
	reg := testRegistry(t)
	p, err := dispatch.Parse(`{"agentName":"aura","memories":["likes hiking"],"nickname":"Sam"}`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	cfg := Compose(reg, p)
	if !strings.Contains(cfg.Instructions, "Sam") || !strings.Contains(cfg.Instructions, "likes hiking") {
		t.Fatalf("Instructions missing nickname or memory")
	}
	if cfg.Greeting != AuraCounselor.Greeting {
		t.Fatalf("Greeting = %q, want persona default", cfg.Greeting)
	}
}
