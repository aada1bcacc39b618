package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSONRequest is a single structured-output call to an LLM provider.
type JSONRequest struct {
	System      string
	User        string
	JSONMode    bool
	Temperature float64
	// Model overrides the provider's default model when non-empty.
	Model string
}

// Caller issues structured-JSON calls to an LLM provider. Callers bound each
// call with a context deadline; on timeout or provider failure the pipeline
// falls back to its non-LLM path, so errors here are expected and recoverable.
type Caller interface {
	CallJSON(ctx context.Context, req JSONRequest) (json.RawMessage, error)
	// Name returns a display string for observability only.
	Name() string
}

// Loader creates a Caller from config.
type Loader func(ctx context.Context) (Caller, error)

// Plugin represents an LLM provider plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an LLM plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered LLM plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named LLM plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown llm %q; valid: %v", name, Names())
}
