package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/events"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/orchestrator/providers"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/workflow"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// maxToolRounds bounds LLM/tool round-trips within a single agent turn.
const maxToolRounds = 8

type run struct {
	sess    *models.Session
	binding *workflow.Binding
	vars    map[string]any

	cancel    context.CancelFunc
	cancelled atomic.Bool
	userInput chan string

	mu        sync.Mutex
	uiWaiters map[string]chan map[string]any

	messages    []providers.Message
	turnIndex   int
	totalTokens int64
}

func (r *run) toolContext() workflow.ToolContext {
	return workflow.ToolContext{
		AppID:        r.sess.AppID,
		UserID:       r.sess.UserID,
		ChatID:       r.sess.ChatID,
		WorkflowName: r.sess.WorkflowName,
		Vars:         r.vars,
	}
}

// runLoop is the run state machine: user input drives a chain of agent
// turns connected by handoff rules until an end agent, the turn budget, or
// a failure terminates the run.
func (o *Orchestrator) runLoop(ctx context.Context, r *run) {
	chatID := r.sess.ChatID

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("orchestrator panic", "chat_id", chatID, "panic", p)
			o.failRun(ctx, r, codeInternal, fmt.Sprintf("internal error: %v", p))
		}
	}()

	o.dispatch(ctx, r, events.TypeRunStarted, map[string]any{
		"run_id": chatID, "status": events.StatusInProgress, "workflow_name": r.sess.WorkflowName,
	})

	if halted, reason := o.runHooks(ctx, r, workflow.TriggerBeforeChat); halted {
		o.failRun(ctx, r, codeHalted, reason)
		return
	}

	agent, err := r.binding.StartAgent("")
	if err != nil {
		o.failRun(ctx, r, codeInternal, err.Error())
		return
	}

	maxTurns := r.binding.Bundle.MaxTurns
	if maxTurns <= 0 {
		maxTurns = o.cfg.Workflows.MaxTurns
	}

	for {
		// AwaitingUserInput: each exchange begins with a user message.
		var text string
		select {
		case <-ctx.Done():
			o.failRun(ctx, r, codeCancelled, "run cancelled")
			return
		case text = <-r.userInput:
		}
		if r.cancelled.Load() {
			o.failRun(ctx, r, codeCancelled, "run cancelled")
			return
		}

		r.messages = append(r.messages, providers.Message{Role: "user", Content: text})
		o.persistMessage(ctx, r, "", models.RoleUser, text, nil)

		// Agent turn chain for this exchange.
		for {
			if r.cancelled.Load() {
				o.failRun(ctx, r, codeCancelled, "run cancelled")
				return
			}
			r.turnIndex++
			if r.turnIndex > maxTurns {
				o.completeRun(ctx, r, "max turns reached")
				return
			}

			o.dispatch(ctx, r, events.TypeAgentStarted, map[string]any{
				"run_id": chatID, "agent": agent.Def.Name, "status": events.StatusInProgress, "turn": r.turnIndex,
			})
			o.runAgentHooks(ctx, r, workflow.TriggerBeforeAgent, agent.Def.Name)
			o.applyGraphRules(ctx, r, "pre_turn")

			content, failCode, failMsg := o.executeTurn(ctx, r, agent)
			if failCode != "" {
				o.failRun(ctx, r, failCode, failMsg)
				return
			}

			o.dispatch(ctx, r, events.TypeAgentCompleted, map[string]any{
				"run_id": chatID, "agent": agent.Def.Name, "status": events.StatusCompleted, "turn": r.turnIndex,
			})
			o.runAgentHooks(ctx, r, workflow.TriggerAfterAgent, agent.Def.Name)

			if agent.Def.EndAgent {
				o.completeRun(ctx, r, "end agent reached")
				return
			}
			next := r.binding.NextAgent(agent.Def.Name, content)
			if next == nil {
				break // back to AwaitingUserInput
			}
			o.dispatch(ctx, r, events.TypeChatHandoff, map[string]any{
				"from": agent.Def.Name, "to": next.Def.Name,
			})
			agent = next
		}
	}
}

// executeTurn runs one agent turn: LLM streaming, tool round-trips, and
// structured-output validation with a single corrective retry. Returns the
// final content, or a failure code and message.
func (o *Orchestrator) executeTurn(ctx context.Context, r *run, agent *workflow.BoundAgent) (string, string, string) {
	provider, err := o.providers.Get(agent.Def.LLM.Provider)
	if err != nil {
		return "", codeLLMError, err.Error()
	}

	outputRetried := false
	for round := 0; round < maxToolRounds; round++ {
		req := o.buildRequest(r, agent)
		chunks, err := provider.Stream(ctx, req)
		if err != nil {
			return "", codeLLMError, err.Error()
		}

		var content strings.Builder
		var toolCalls []providers.ToolCall
		var streamErr error
		for chunk := range chunks {
			if chunk.Err != nil {
				streamErr = chunk.Err
				continue
			}
			if chunk.Text != "" {
				content.WriteString(chunk.Text)
				o.dispatch(ctx, r, events.TypeChatPrint, map[string]any{
					"content": chunk.Text, "agent": agent.Def.Name,
				})
			}
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
			if chunk.Usage != nil {
				o.accountUsage(ctx, r, chunk.Usage)
			}
		}
		if streamErr != nil {
			if errors.Is(streamErr, context.Canceled) {
				return "", codeCancelled, "run cancelled"
			}
			return "", codeLLMError, streamErr.Error()
		}

		if len(toolCalls) > 0 {
			r.messages = append(r.messages, providers.Message{
				Role: "assistant", Content: content.String(), ToolCalls: toolCalls,
			})
			for _, tc := range toolCalls {
				result := o.invokeModelTool(ctx, r, agent, tc)
				r.messages = append(r.messages, providers.Message{
					Role: "tool", Content: result, ToolCallID: tc.ID,
				})
			}
			continue
		}

		final := content.String()

		if agent.Output != nil {
			data, verr := agent.Output.ValidateRaw([]byte(final))
			if verr != nil {
				if outputRetried {
					return "", codeInvalidOutput, verr.Error()
				}
				outputRetried = true
				r.messages = append(r.messages,
					providers.Message{Role: "assistant", Content: final},
					providers.Message{Role: "user", Content: "The previous response did not validate: " +
						verr.Error() + ". Respond again with only the corrected JSON object."})
				continue
			}
			o.dispatch(ctx, r, events.TypeChatStructuredOutputReady, map[string]any{
				"agent":           agent.Def.Name,
				"model_name":      agent.Output.Name,
				"structured_data": data,
				"auto_tool_mode":  agent.Def.AutoToolMode,
			})
			if auto, ok := agent.AutoTools[agent.Output.Name]; ok {
				o.invokeAutoTool(ctx, r, agent, auto, data)
			}
			r.messages = append(r.messages, providers.Message{Role: "assistant", Content: final})
			o.dispatch(ctx, r, events.TypeChatText, map[string]any{
				"content": final, "agent": agent.Def.Name, "structured_output": data,
			})
			raw, _ := json.Marshal(data)
			o.persistMessage(ctx, r, agent.Def.Name, models.RoleAgent, final, raw)
			return final, "", ""
		}

		r.messages = append(r.messages, providers.Message{Role: "assistant", Content: final})
		o.dispatch(ctx, r, events.TypeChatText, map[string]any{
			"content": final, "agent": agent.Def.Name,
		})
		o.persistMessage(ctx, r, agent.Def.Name, models.RoleAgent, final, nil)
		return final, "", ""
	}
	return "", codeLLMError, "tool round limit exceeded"
}

func (o *Orchestrator) buildRequest(r *run, agent *workflow.BoundAgent) *providers.Request {
	req := &providers.Request{
		Model:       agent.Def.LLM.Model,
		System:      agent.SystemPrompt,
		Messages:    r.messages,
		MaxTokens:   agent.Def.LLM.MaxTokens,
		Temperature: agent.Def.LLM.Temperature,
	}
	if agent.Output != nil {
		req.ResponseSchema = agent.Output.Schema
		req.SchemaName = agent.Output.Name
	}
	for _, bt := range agent.Tools {
		// UI tools are offered to the model like any other; their execution
		// path suspends on the client round-trip.
		req.Tools = append(req.Tools, providers.ToolSpec{
			Name:        bt.Def.Name,
			Description: "Tool " + bt.Def.Name,
			Schema:      map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": true},
		})
	}
	return req
}

// invokeModelTool executes one model-requested tool call and returns the
// serialized result for the tool message. Failures become error results.
func (o *Orchestrator) invokeModelTool(ctx context.Context, r *run, agent *workflow.BoundAgent, tc providers.ToolCall) string {
	var params map[string]any
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &params); err != nil {
			return toolError("invalid tool arguments: " + err.Error())
		}
	}

	bt, ok := agent.Tools[tc.Name]
	if !ok {
		return toolError("unknown tool " + tc.Name)
	}
	if err := o.evaluator.Require(r.sess.AppID, r.sess.UserID, r.sess.ChatID, "cap.tool."+tc.Name); err != nil {
		o.emitToolPair(ctx, r, agent.Def.Name, tc.ID, tc.Name, params, nil, "error", "CAPABILITY_DENIED")
		return toolError("capability denied for tool " + tc.Name)
	}

	if bt.Def.Kind == workflow.KindUITool {
		return o.invokeUITool(ctx, r, agent, bt, tc.ID, params)
	}

	o.dispatch(ctx, r, events.TypeToolStarted, map[string]any{
		"run_id": r.sess.ChatID, "agent": agent.Def.Name, "tool": tc.Name, "status": events.StatusInProgress,
	})
	o.dispatch(ctx, r, events.TypeChatToolCall, map[string]any{
		"call_id": tc.ID, "name": tc.Name, "agent": agent.Def.Name, "arguments": params,
	})

	result, err := bt.Fn(ctx, r.toolContext(), params)
	status, errMsg := "ok", ""
	if err != nil {
		status, errMsg = "error", err.Error()
	}
	o.dispatch(ctx, r, events.TypeChatToolResponse, map[string]any{
		"call_id": tc.ID, "name": tc.Name, "agent": agent.Def.Name,
		"result": result, "status": status, "error": errMsg,
	})
	o.dispatch(ctx, r, events.TypeToolCompleted, map[string]any{
		"run_id": r.sess.ChatID, "agent": agent.Def.Name, "tool": tc.Name, "status": statusOf(err),
	})
	o.applyGraphRules(ctx, r, "post_event")

	if err != nil {
		return toolError(errMsg)
	}
	raw, merr := json.Marshal(result)
	if merr != nil {
		return toolError("unserializable tool result")
	}
	return string(raw)
}

// invokeUITool emits the awaiting tool_call, suspends the turn on the
// correlation waiter, and returns the client's response as the tool result.
// Timeout produces a tool error; the agent continues.
func (o *Orchestrator) invokeUITool(ctx context.Context, r *run, agent *workflow.BoundAgent, bt workflow.BoundTool, callID string, params map[string]any) string {
	corr := uuid.NewString()
	waiter := make(chan map[string]any, 1)

	r.mu.Lock()
	if len(r.uiWaiters) >= o.cfg.Transport.MaxPendingUITools {
		r.mu.Unlock()
		return toolError(ErrTooManyPendingTools.Error())
	}
	r.uiWaiters[corr] = waiter
	r.mu.Unlock()

	o.dispatch(ctx, r, events.TypeChatToolCall, map[string]any{
		"call_id":           callID,
		"name":              bt.Def.Name,
		"agent":             agent.Def.Name,
		"arguments":         params,
		"component_type":    bt.Def.UI.Component,
		"display":           bt.Def.UI.Mode,
		"corr":              corr,
		"awaiting_response": true,
	})

	timeout := o.cfg.Workflows.UIToolTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var response map[string]any
	var status, errMsg string
	select {
	case <-ctx.Done():
		status, errMsg = "error", "run cancelled"
	case <-timer.C:
		status, errMsg = "error", "ui tool response timed out"
	case response = <-waiter:
		status = "ok"
	}

	r.mu.Lock()
	delete(r.uiWaiters, corr)
	r.mu.Unlock()

	o.dispatch(ctx, r, events.TypeChatToolResponse, map[string]any{
		"call_id": callID, "name": bt.Def.Name, "agent": agent.Def.Name,
		"result": response, "status": status, "error": errMsg,
	})
	if status != "ok" {
		return toolError(errMsg)
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return toolError("unserializable ui tool response")
	}
	return string(raw)
}

// invokeAutoTool runs the tool bound to a structured output, feeding the
// validated fields as parameters.
func (o *Orchestrator) invokeAutoTool(ctx context.Context, r *run, agent *workflow.BoundAgent, bt workflow.BoundTool, data map[string]any) {
	callID := uuid.NewString()
	if err := o.evaluator.Require(r.sess.AppID, r.sess.UserID, r.sess.ChatID, "cap.tool."+bt.Def.Name); err != nil {
		o.emitToolPair(ctx, r, agent.Def.Name, callID, bt.Def.Name, data, nil, "error", "CAPABILITY_DENIED")
		return
	}
	o.dispatch(ctx, r, events.TypeChatToolCall, map[string]any{
		"call_id": callID, "name": bt.Def.Name, "agent": agent.Def.Name, "arguments": data,
	})
	result, err := bt.Fn(ctx, r.toolContext(), data)
	status, errMsg := "ok", ""
	if err != nil {
		status, errMsg = "error", err.Error()
	}
	o.dispatch(ctx, r, events.TypeChatToolResponse, map[string]any{
		"call_id": callID, "name": bt.Def.Name, "agent": agent.Def.Name,
		"result": result, "status": status, "error": errMsg,
	})
}

func (o *Orchestrator) emitToolPair(ctx context.Context, r *run, agent, callID, name string, args, result map[string]any, status, errCode string) {
	o.dispatch(ctx, r, events.TypeChatToolCall, map[string]any{
		"call_id": callID, "name": name, "agent": agent, "arguments": args,
	})
	o.dispatch(ctx, r, events.TypeChatToolResponse, map[string]any{
		"call_id": callID, "name": name, "agent": agent,
		"result": result, "status": status, "error": errCode,
	})
}

func toolError(msg string) string {
	raw, _ := json.Marshal(map[string]any{"status": "error", "message": msg})
	return string(raw)
}

func statusOf(err error) string {
	if err != nil {
		return events.StatusFailed
	}
	return events.StatusCompleted
}
