// Package llm talks to the local inference engine. The engine is a black
// box: text in, reply and/or structured intent out.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrUnavailable means the inference engine could not be reached or failed
// to produce a reply. Recoverable for the session; no automatic retry here.
var ErrUnavailable = errors.New("inference engine unavailable")

// Request is one generation request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// IntentCall is a structured action the model extracted from user input.
type IntentCall struct {
	Intent string         `json:"intent"`
	Params map[string]any `json:"params"`
}

// Result is the engine's output for one turn. Intent is nil for plain
// conversational replies.
type Result struct {
	Reply  string
	Intent *IntentCall
}

// Client generates replies. Implementations must be safe for concurrent use.
type Client interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// ExtractIntent scans a raw model reply for an intent block and splits it
// from the conversational text. The model is prompted to answer either with
// plain text or with a JSON object {"intent": ..., "params": {...}}, bare
// or inside a ```json fence. Anything unparseable stays part of the reply.
func ExtractIntent(raw string) (string, *IntentCall) {
	text := strings.TrimSpace(raw)

	candidate, rest := text, ""
	if i := strings.Index(text, "```json"); i >= 0 {
		inner := text[i+len("```json"):]
		if j := strings.Index(inner, "```"); j >= 0 {
			candidate = strings.TrimSpace(inner[:j])
			rest = strings.TrimSpace(text[:i] + inner[j+len("```"):])
		}
	}

	call := parseIntent(candidate)
	if call == nil {
		return text, nil
	}
	return rest, call
}

func parseIntent(s string) *IntentCall {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	var call IntentCall
	if err := json.Unmarshal([]byte(s), &call); err != nil {
		return nil
	}
	if call.Intent == "" {
		return nil
	}
	if call.Params == nil {
		call.Params = map[string]any{}
	}
	return &call
}
