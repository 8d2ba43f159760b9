// Package plugin defines the capability-provider contract and the registry
// and dispatcher that route recognized intents to providers.
package plugin

import (
	"context"
	"errors"
)

// Dispatch failure modes. All of them are recoverable for the session; the
// turn ends without a successful action but the connection stays open.
var (
	ErrUnknownIntent = errors.New("no provider registered for intent")
	ErrTimeout       = errors.New("plugin call timed out")
	ErrExecution     = errors.New("plugin reported failure")
	ErrUnavailable   = errors.New("provider unavailable")
)

// Manifest describes a provider: what it is called, which intents it
// serves, and the vocabulary that hints at it in user speech.
type Manifest struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Triggers    []string       `json:"triggers"`
	Intents     []string       `json:"intents"`
	Enabled     bool           `json:"enabled"`
	Config      map[string]any `json:"config,omitempty"`
}

// Result is what a provider returns from Execute. Data carries the
// provider-specific payload; ResponseText is the sentence spoken back to
// the user.
type Result struct {
	Success      bool           `json:"success"`
	ResponseText string         `json:"response_text,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Err          string         `json:"error,omitempty"`
}

// Plugin is the contract every capability provider implements.
//
// Execute must be safe for concurrent read-style calls; providers serialize
// state-mutating intents internally. OnLoad and OnUnload bracket the
// instance lifecycle and are never invoked mid-dispatch by the registry.
type Plugin interface {
	// Execute runs one intent with parameters extracted by inference.
	Execute(ctx context.Context, intent string, params map[string]any) (*Result, error)

	// PromptContext returns the capability description injected into the
	// inference system prompt to ground intent extraction.
	PromptContext() string

	// Manifest returns the provider's static description.
	Manifest() Manifest

	// OnLoad initializes provider resources.
	OnLoad(ctx context.Context) error

	// OnUnload releases provider resources.
	OnUnload(ctx context.Context) error
}

// HealthChecker is optionally implemented by providers that can report
// liveness of their upstream dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}
