// Package actions executes tools outside any agent loop, triggered by
// artifact.action messages. Results carry an optional artifact update that
// is persisted and mirrored to the state event stream.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/artifacts"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/audit"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/entitlements"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/events"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/workflow"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

var (
	ErrUnknownTool           = errors.New("unknown tool")
	ErrNotInvocableStateless = errors.New("tool not invocable stateless")
)

// Request is one artifact.action invocation.
type Request struct {
	ActionID   string
	ArtifactID string
	Tool       string
	Params     map[string]any
	Context    map[string]any

	AppID        string
	UserID       string
	ChatID       string
	WorkflowName string
}

// Executor runs stateless actions with capability enforcement, per-action
// timeout, and artifact state persistence.
type Executor struct {
	loader     *workflow.Loader
	tools      *workflow.ToolRegistry
	evaluator  *entitlements.Evaluator
	dispatcher *events.Dispatcher
	artifacts  *artifacts.Service
	audit      *audit.Logger
	timeout    time.Duration
	logger     *slog.Logger
}

// NewExecutor creates the executor. timeout bounds each action.
func NewExecutor(loader *workflow.Loader, tools *workflow.ToolRegistry, evaluator *entitlements.Evaluator,
	dispatcher *events.Dispatcher, artifactSvc *artifacts.Service, auditLogger *audit.Logger,
	timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		loader:     loader,
		tools:      tools,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		artifacts:  artifactSvc,
		audit:      auditLogger,
		timeout:    timeout,
		logger:     logger,
	}
}

// Execute runs one action end to end, emitting started/completed/failed
// events. The returned error mirrors what the failed event carried.
func (e *Executor) Execute(ctx context.Context, req *Request) error {
	if req.ActionID == "" {
		req.ActionID = uuid.NewString()
	}

	if err := e.evaluator.Require(req.AppID, req.UserID, req.ChatID, "cap.tool."+req.Tool); err != nil {
		e.fail(ctx, req, "CAPABILITY_DENIED", err.Error())
		return err
	}

	fn, ok := e.tools.Tool(req.Tool)
	if !ok {
		e.fail(ctx, req, "UNKNOWN_TOOL", "no registered tool "+req.Tool)
		return ErrUnknownTool
	}
	if req.WorkflowName != "" {
		// When the action names its workflow, the bundle's declaration must
		// allow stateless invocation.
		if bundle, err := e.loader.Load(req.AppID, req.WorkflowName); err == nil {
			for _, td := range bundle.Tools {
				if td.Name == req.Tool && !td.Stateless && td.Kind != workflow.KindAgentTool {
					e.fail(ctx, req, "TOOL_NOT_INVOCABLE_STATELESS", "tool requires an agent binding")
					return ErrNotInvocableStateless
				}
			}
		}
	}

	e.dispatcher.Dispatch(ctx, req.AppID, req.ChatID, events.TypeActionStarted, map[string]any{
		"action_id": req.ActionID, "artifact_id": req.ArtifactID, "tool": req.Tool,
	})

	params := map[string]any{}
	for k, v := range req.Params {
		params[k] = v
	}
	params["_context"] = map[string]any{
		"app_id": req.AppID, "user_id": req.UserID, "chat_id": req.ChatID,
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	tc := workflow.ToolContext{
		AppID:        req.AppID,
		UserID:       req.UserID,
		ChatID:       req.ChatID,
		WorkflowName: req.WorkflowName,
	}
	result, err := fn(execCtx, tc, params)
	if err != nil {
		e.fail(ctx, req, "TOOL_ERROR", err.Error())
		return err
	}

	update := e.applyArtifactUpdate(ctx, req, result)

	e.dispatcher.Dispatch(ctx, req.AppID, req.ChatID, events.TypeActionCompleted, map[string]any{
		"action_id":       req.ActionID,
		"artifact_id":     req.ArtifactID,
		"tool":            req.Tool,
		"result":          result,
		"artifact_update": update,
	})
	return nil
}

// applyArtifactUpdate persists a replace or patch update carried in the
// tool result and emits the matching state event.
func (e *Executor) applyArtifactUpdate(ctx context.Context, req *Request, result map[string]any) map[string]any {
	raw, ok := result["artifact_update"].(map[string]any)
	if !ok || req.ArtifactID == "" {
		return nil
	}
	mode, _ := raw["mode"].(string)

	switch mode {
	case "replace":
		payload, err := json.Marshal(raw["payload"])
		if err != nil {
			e.logger.Warn("artifact replace payload unserializable", "action_id", req.ActionID, "error", err)
			return nil
		}
		state := &models.ArtifactState{
			ArtifactID:   req.ArtifactID,
			ChatID:       req.ChatID,
			AppID:        req.AppID,
			WorkflowName: req.WorkflowName,
			State:        payload,
		}
		if err := e.artifacts.Save(ctx, state); err != nil {
			e.logger.Warn("artifact save failed", "artifact_id", req.ArtifactID, "error", err)
			return nil
		}
		var snapshot map[string]any
		_ = json.Unmarshal(payload, &snapshot)
		e.dispatcher.DispatchStateSnapshot(ctx, req.AppID, req.ChatID, req.ArtifactID, req.WorkflowName, snapshot)

	case "patch":
		ops := toPatchOps(raw["payload"])
		if ops == nil {
			e.logger.Warn("artifact patch payload malformed", "action_id", req.ActionID)
			return nil
		}
		if _, err := e.artifacts.Patch(ctx, req.AppID, req.ChatID, req.ArtifactID, ops); err != nil {
			e.logger.Warn("artifact patch failed", "artifact_id", req.ArtifactID, "error", err)
			return nil
		}
		e.dispatcher.DispatchStateDelta(ctx, req.AppID, req.ChatID, req.ArtifactID, ops)
	default:
		return nil
	}
	return raw
}

func toPatchOps(payload any) []map[string]any {
	list, ok := payload.([]any)
	if !ok {
		return nil
	}
	ops := make([]map[string]any, 0, len(list))
	for _, item := range list {
		op, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		ops = append(ops, op)
	}
	return ops
}

func (e *Executor) fail(ctx context.Context, req *Request, code, message string) {
	e.dispatcher.Dispatch(ctx, req.AppID, req.ChatID, events.TypeActionFailed, map[string]any{
		"action_id":   req.ActionID,
		"artifact_id": req.ArtifactID,
		"tool":        req.Tool,
		"error":       message,
		"error_code":  code,
		"rollback":    true,
	})
}
