// Package persona holds the static persona registry and derives the
// per-session configuration from it.
package persona

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownPersona is returned by Registry.Get for ids that are not registered.
var ErrUnknownPersona = errors.New("unknown persona")

const (
	defaultVoice    = "fb277717-578b-4a56-820d-88c919747900"
	defaultTTSModel = "sonic-multilingual"
	defaultLLMModel = "gpt-4o-mini"
	defaultLanguage = "en"
)

// Defaults is the immutable template for one assistant identity.
type Defaults struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Instructions string   `yaml:"instructions" json:"instructions"`
	Voice        string   `yaml:"voice" json:"voice"`
	TTSModel     string   `yaml:"tts_model" json:"tts_model"`
	LLMModel     string   `yaml:"llm_model" json:"llm_model"`
	Language     string   `yaml:"language" json:"language"`
	Greeting     string   `yaml:"greeting" json:"greeting,omitempty"`
	Speed        string   `yaml:"speed" json:"speed,omitempty"`
	Emotion      []string `yaml:"emotion" json:"emotion,omitempty"`
}

func (d Defaults) withFallbacks() Defaults {
	if d.Voice == "" {
		d.Voice = defaultVoice
	}
	if d.TTSModel == "" {
		d.TTSModel = defaultTTSModel
	}
	if d.LLMModel == "" {
		d.LLMModel = defaultLLMModel
	}
	if d.Language == "" {
		d.Language = defaultLanguage
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	d.Emotion = cloneStrings(d.Emotion)
	return d
}

// Summary is the public listing entry published to room participants.
type Summary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Registry is a read-only lookup table of personas. It is built once and
// shared by every session without locking.
type Registry struct {
	entries   map[string]Defaults
	order     []string
	defaultID string
}

// NewRegistry builds a registry from entries. defaultID must name one of them.
func NewRegistry(defaultID string, entries ...Defaults) (*Registry, error) {
	r := &Registry{entries: make(map[string]Defaults, len(entries))}
	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("persona entry missing id")
		}
		if strings.TrimSpace(e.Instructions) == "" {
			return nil, fmt.Errorf("persona %q missing instructions", id)
		}
		e.ID = id
		if _, dup := r.entries[id]; !dup {
			r.order = append(r.order, id)
		}
		r.entries[id] = e.withFallbacks()
	}
	defaultID = strings.TrimSpace(defaultID)
	if _, ok := r.entries[defaultID]; !ok {
		return nil, fmt.Errorf("default persona %q: %w", defaultID, ErrUnknownPersona)
	}
	r.defaultID = defaultID
	return r, nil
}

// Get returns a copy of the entry registered under id.
func (r *Registry) Get(id string) (Defaults, error) {
	d, ok := r.entries[strings.TrimSpace(id)]
	if !ok {
		return Defaults{}, fmt.Errorf("%q: %w", id, ErrUnknownPersona)
	}
	d.Emotion = cloneStrings(d.Emotion)
	return d, nil
}

// Has reports whether id names a registered persona.
func (r *Registry) Has(id string) bool {
	_, ok := r.entries[strings.TrimSpace(id)]
	return ok
}

// Default returns a copy of the default persona.
func (r *Registry) Default() Defaults {
	d, _ := r.Get(r.defaultID)
	return d
}

// WithDefault returns a copy of the registry whose default is id.
func (r *Registry) WithDefault(id string) (*Registry, error) {
	return NewRegistry(id, r.Entries()...)
}

// DefaultID returns the id used when dispatch names no known persona.
func (r *Registry) DefaultID() string { return r.defaultID }

// Lookup returns the persona named id, or the default when id is unknown.
func (r *Registry) Lookup(id string) (Defaults, bool) {
	if d, err := r.Get(id); err == nil {
		return d, true
	}
	return r.Default(), false
}

// IDs lists persona ids in registration order.
func (r *Registry) IDs() []string {
	return cloneStrings(r.order)
}

// Summaries lists id and display name for every persona, sorted by id.
func (r *Registry) Summaries() []Summary {
	out := make([]Summary, 0, len(r.entries))
	for _, id := range r.order {
		out = append(out, Summary{ID: id, Name: r.entries[id].Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entries returns copies of all personas in registration order.
func (r *Registry) Entries() []Defaults {
	out := make([]Defaults, 0, len(r.order))
	for _, id := range r.order {
		d, _ := r.Get(id)
		out = append(out, d)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
