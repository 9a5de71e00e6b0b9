package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// maxEmptyStreamEvents bounds consecutive no-op events before the stream is
// treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client     anthropic.Client
	configured bool
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicProvider creates the provider. An empty key yields a provider
// that errors on use.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	p := &AnthropicProvider{maxRetries: 3, retryDelay: time.Second}
	if apiKey == "" {
		return p
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	p.client = anthropic.NewClient(opts...)
	p.configured = true
	return p
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream opens a streaming message request, retrying transient failures with
// exponential backoff.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if !p.configured {
		return nil, fmt.Errorf("%w: anthropic", ErrProviderNotConfigured)
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, params)
			if stream.Err() == nil {
				break
			}
			if !retryable(stream.Err()) || attempt == p.maxRetries {
				chunks <- Chunk{Err: stream.Err(), Done: true}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				chunks <- Chunk{Err: ctx.Err(), Done: true}
				return
			case <-time.After(backoff):
			}
		}
		p.processStream(stream, chunks)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}

	system := req.System
	if req.ResponseSchema != nil {
		system += schemaContract(req.SchemaName, req.ResponseSchema)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return params, err
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk) {
	var currentToolCall *ToolCall
	var currentToolInput strings.Builder
	var usage Usage
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.PromptTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Arguments = json.RawMessage(currentToolInput.String())
				chunks <- Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			u := usage
			chunks <- Chunk{Usage: &u, Done: true}
			return

		case "error":
			chunks <- Chunk{Err: errors.New("anthropic stream error"), Done: true}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- Chunk{Err: fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents), Done: true}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: err, Done: true}
		return
	}
	u := usage
	chunks <- Chunk{Usage: &u, Done: true}
}

func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}
