package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubProvider struct{ name string }

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) Stream(context.Context, *Request) (<-chan Chunk, error) {
	return nil, nil
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(&stubProvider{name: "openai"}, &stubProvider{name: "anthropic"})

	p, err := r.Get("anthropic")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}

	if _, err := r.Get("gemini"); !errors.Is(err, ErrProviderNotConfigured) {
		t.Errorf("Get(unknown) error = %v, want ErrProviderNotConfigured", err)
	}
}

func TestSchemaContract(t *testing.T) {
	contract := schemaContract("Interview", map[string]any{
		"type":       "object",
		"properties": map[string]any{"name": map[string]any{"type": "string"}},
	})
	if !strings.Contains(contract, "Interview") {
		t.Error("contract does not name the schema")
	}
	if !strings.Contains(contract, `"type":"object"`) {
		t.Errorf("contract does not embed the schema JSON: %q", contract)
	}
	if !strings.Contains(contract, "single JSON object") {
		t.Errorf("contract missing output instruction: %q", contract)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("status 429: rate limit exceeded"), true},
		{errors.New("upstream returned 503"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("overloaded_error: try again"), true},
		{errors.New("invalid api key"), false},
		{errors.New("model not found"), false},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
