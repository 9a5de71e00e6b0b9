package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider streams chat completions from OpenAI or any API-compatible
// endpoint.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider creates the provider. An empty key yields a provider
// that errors on use, which lets deployments configure a single backend.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	p := &OpenAIProvider{maxRetries: 3, retryDelay: time.Second}
	if apiKey == "" {
		return p
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Stream opens a streaming completion and emits chunks as tokens arrive.
// Tool calls stream incrementally and are accumulated by index until the
// finish reason marks them complete.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if p.client == nil {
		return nil, fmt.Errorf("%w: openai", ErrProviderNotConfigured)
	}

	system := req.System
	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Stream:        true,
		Temperature:   req.Temperature,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.ResponseSchema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
		system += schemaContract(req.SchemaName, req.ResponseSchema)
	}
	chatReq.Messages = convertOpenAIMessages(req.Messages, system)
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: retries exhausted: %w", lastErr)
	}

	chunks := make(chan Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool call fragments accumulate by choice index until finish.
	toolCalls := map[int]*ToolCall{}
	var usage *Usage

	flushTools := func() {
		for _, tc := range toolCalls {
			if tc.ID != "" && tc.Name != "" {
				chunks <- Chunk{ToolCall: tc}
			}
		}
		toolCalls = map[int]*ToolCall{}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushTools()
				chunks <- Chunk{Usage: usage, Done: true}
				return
			}
			chunks <- Chunk{Err: err, Done: true}
			return
		}

		if resp.Usage != nil {
			usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			chunks <- Chunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			cur := toolCalls[index]
			if cur == nil {
				cur = &ToolCall{}
				toolCalls[index] = cur
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				cur.Arguments = append(cur.Arguments, tc.Function.Arguments...)
			}
		}
		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flushTools()
		}
	}
}

func convertOpenAIMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case "assistant":
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
