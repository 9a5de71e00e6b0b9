package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/events"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/orchestrator/providers"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/workflow"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// dispatch emits one event for the run. Sequence persistence happens in the
// dispatcher's persistence subscriber, which also covers the mirrored agui.*
// envelopes this call produces.
func (o *Orchestrator) dispatch(ctx context.Context, r *run, eventType string, data map[string]any) {
	o.dispatcher.Dispatch(ctx, r.sess.AppID, r.sess.ChatID, eventType, data)
}

func (o *Orchestrator) persistMessage(ctx context.Context, r *run, agent string, role models.MessageRole, content string, structured json.RawMessage) {
	sess, err := o.store.GetSession(ctx, r.sess.ChatID)
	seq := int64(0)
	if err == nil {
		seq = sess.LastSequenceNo
	}
	msg := &models.Message{
		ChatID:           r.sess.ChatID,
		AppID:            r.sess.AppID,
		SequenceNo:       seq,
		Agent:            agent,
		Role:             role,
		Content:          content,
		StructuredOutput: structured,
		CreatedAt:        time.Now().UTC(),
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		o.logger.Error("persist message failed", "chat_id", r.sess.ChatID, "error", err)
	}
}

// accountUsage records token consumption: counters for budget enforcement,
// the usage recorder for platform billing, the session total, and a
// usage_delta event for the client.
func (o *Orchestrator) accountUsage(ctx context.Context, r *run, u *providers.Usage) {
	tokens := int64(u.PromptTokens + u.CompletionTokens)
	if tokens <= 0 {
		return
	}
	r.totalTokens += tokens
	o.counters.Add(ctx, r.sess.AppID, r.sess.UserID, tokens)
	if err := o.store.AddTokens(ctx, r.sess.ChatID, tokens); err != nil {
		o.logger.Warn("persist token usage failed", "chat_id", r.sess.ChatID, "error", err)
	}
	if o.recorder != nil {
		o.recorder.Record(models.UsageEvent{
			EventID:   uuid.NewString(),
			EventType: "llm_tokens",
			AppID:     r.sess.AppID,
			UserID:    r.sess.UserID,
			Timestamp: time.Now().UTC(),
			Data: map[string]any{
				"chat_id":           r.sess.ChatID,
				"workflow_name":     r.sess.WorkflowName,
				"prompt_tokens":     u.PromptTokens,
				"completion_tokens": u.CompletionTokens,
			},
		})
	}
	o.dispatch(ctx, r, events.TypeChatUsageDelta, map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      r.totalTokens,
	})
}

// runHooks executes all hooks for a trigger. Only before_chat honors an
// explicit halt; other hook failures are advisory.
func (o *Orchestrator) runHooks(ctx context.Context, r *run, trigger string) (bool, string) {
	for _, hook := range r.binding.Hooks[trigger] {
		res, err := hook.Fn(ctx, r.toolContext())
		if err != nil {
			o.logger.Warn("hook failed", "hook", hook.Def.Name, "trigger", trigger,
				"chat_id", r.sess.ChatID, "error", err)
			continue
		}
		if res.Action == workflow.ActionHalt && trigger == workflow.TriggerBeforeChat {
			return true, res.Reason
		}
	}
	return false, ""
}

// runAgentHooks executes before_agent/after_agent hooks, honoring per-agent
// scoping.
func (o *Orchestrator) runAgentHooks(ctx context.Context, r *run, trigger, agentName string) {
	for _, hook := range r.binding.Hooks[trigger] {
		if hook.Def.Agent != "" && hook.Def.Agent != agentName {
			continue
		}
		if _, err := hook.Fn(ctx, r.toolContext()); err != nil {
			o.logger.Warn("hook failed", "hook", hook.Def.Name, "trigger", trigger,
				"chat_id", r.sess.ChatID, "error", err)
		}
	}
}

// applyGraphRules evaluates graph-injection rules for a phase. Best-effort:
// query results merge into context variables, failures are logged only.
func (o *Orchestrator) applyGraphRules(ctx context.Context, r *run, phase string) {
	if o.graph == nil {
		return
	}
	for _, rule := range r.binding.Bundle.GraphRules {
		if rule.Phase != phase {
			continue
		}
		switch phase {
		case "pre_turn":
			result, err := o.graph.Query(ctx, rule.Query, rule.Params)
			if err != nil {
				o.logger.Warn("graph query failed", "rule", rule.Name, "error", err)
				continue
			}
			for k, v := range result {
				r.vars[k] = v
			}
		case "post_event":
			if err := o.graph.Mutate(ctx, rule.Query, rule.Params); err != nil {
				o.logger.Warn("graph mutation failed", "rule", rule.Name, "error", err)
			}
		}
	}
}

func (o *Orchestrator) completeRun(ctx context.Context, r *run, detail string) {
	o.runHooks(ctx, r, workflow.TriggerAfterChat)
	if err := o.store.UpdateStatus(ctx, r.sess.ChatID, models.SessionCompleted); err != nil {
		o.logger.Warn("persist completion failed", "chat_id", r.sess.ChatID, "error", err)
	}
	o.dispatch(ctx, r, events.TypeRunCompleted, map[string]any{
		"run_id":       r.sess.ChatID,
		"status":       events.StatusCompleted,
		"detail":       detail,
		"turns":        r.turnIndex,
		"total_tokens": r.totalTokens,
	})
	o.logger.Info("run completed", "chat_id", r.sess.ChatID, "turns", r.turnIndex,
		"total_tokens", r.totalTokens)
}

// failRun terminates the run with run_failed and chat.error. Cancellation
// uses the same path with code CANCELLED and a cancelled session status.
func (o *Orchestrator) failRun(ctx context.Context, r *run, code, message string) {
	status := models.SessionFailed
	eventStatus := events.StatusFailed
	if code == codeCancelled {
		status = models.SessionCancelled
		eventStatus = events.StatusCancelled
	}
	o.runHooks(ctx, r, workflow.TriggerAfterChat)
	if err := o.store.UpdateStatus(ctx, r.sess.ChatID, status); err != nil {
		o.logger.Warn("persist failure status failed", "chat_id", r.sess.ChatID, "error", err)
	}
	o.dispatch(ctx, r, events.TypeRunFailed, map[string]any{
		"run_id": r.sess.ChatID,
		"status": eventStatus,
		"code":   code,
		"error":  message,
	})
	o.dispatch(ctx, r, events.TypeChatError, map[string]any{
		"code": code, "error": message,
	})
	o.logger.Warn("run failed", "chat_id", r.sess.ChatID, "code", code, "error", message)
}
