// Package providers implements the LLM streaming backends used by the
// orchestrator: OpenAI-compatible chat completions and Anthropic messages.
// Both stream tokens over a channel and accumulate tool calls before
// emitting them as complete invocations.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrProviderNotConfigured = errors.New("llm provider not configured")

// Message is one turn of conversation history sent to a provider.
type Message struct {
	Role       string // user | assistant | tool
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // tool role: the call this message answers
}

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Usage is the token accounting for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float32

	// ResponseSchema, when set, constrains the model to emit a single JSON
	// object conforming to the schema. Providers without native schema
	// support receive the schema as a system-prompt contract; the caller
	// validates the output either way.
	ResponseSchema map[string]any
	SchemaName     string
}

// Chunk is one streamed unit of a completion.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Done     bool
	Err      error
}

// Provider streams completions. Implementations retry transient failures on
// stream creation; errors during streaming arrive as a terminal chunk.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Registry maps provider names to configured backends.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers, keyed by Name().
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: map[string]Provider{}}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
	}
	return p, nil
}

// schemaContract renders the structured-output instruction appended to the
// system prompt when a schema is requested.
func schemaContract(schemaName string, schema map[string]any) string {
	raw, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nRespond with a single JSON object matching the ")
	b.WriteString(schemaName)
	b.WriteString(" schema. No prose, no code fences.\nSchema:\n")
	b.Write(raw)
	return b.String()
}

// retryable reports whether a provider error is worth retrying: rate limits,
// server errors, and timeouts.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
