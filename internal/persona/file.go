package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk persona overlay format.
//
//	default: aura
//	personas:
//	  - id: coach
//	    name: Coach
//	    instructions: |
//	      You are a calm running coach.
type File struct {
	Default  string     `yaml:"default"`
	Personas []Defaults `yaml:"personas"`
}

// Load builds the shipped personas, merges the overlay at path when one is
// given, then selects defaultID from the merged set. An empty defaultID keeps
// the overlay's or the shipped default.
func Load(defaultID, path string) (*Registry, error) {
	reg, err := NewBuiltinRegistry(BuiltinDefaultID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) != "" {
		if reg, err = LoadFile(path, reg); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(defaultID) == "" {
		return reg, nil
	}
	return reg.WithDefault(defaultID)
}

// LoadFile reads a YAML overlay from path and merges it over base.
func LoadFile(path string, base *Registry) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	return Parse(data, base)
}

// Parse unmarshals YAML overlay bytes and returns a new registry holding the
// base entries plus the overlay. Entries with an existing id replace the base
// entry in the new registry only.
func Parse(data []byte, base *Registry) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("persona: parse: %w", err)
	}

	var entries []Defaults
	defaultID := strings.TrimSpace(f.Default)
	if base != nil {
		entries = base.Entries()
		if defaultID == "" {
			defaultID = base.DefaultID()
		}
	}
	entries = append(entries, f.Personas...)
	if defaultID == "" && len(entries) > 0 {
		defaultID = entries[0].ID
	}

	reg, err := NewRegistry(defaultID, entries...)
	if err != nil {
		return nil, fmt.Errorf("persona: %w", err)
	}
	return reg, nil
}
