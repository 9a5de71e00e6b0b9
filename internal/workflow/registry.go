package workflow

import (
	"context"
	"sync"
)

// ToolContext carries the run-scoped values injected into every tool and
// hook invocation.
type ToolContext struct {
	AppID        string
	UserID       string
	ChatID       string
	WorkflowName string
	Vars         map[string]any
}

// ToolFunc is a registered tool implementation. Errors become tool error
// results; they never abort the run.
type ToolFunc func(ctx context.Context, tc ToolContext, params map[string]any) (map[string]any, error)

// HookAction is the flow decision a lifecycle hook returns.
type HookAction int

const (
	ActionContinue HookAction = iota
	// ActionHalt aborts the run; honored only for before_chat hooks.
	ActionHalt
)

// HookResult is the outcome of a lifecycle hook.
type HookResult struct {
	Action HookAction
	Reason string
}

// HookFunc is a registered lifecycle hook implementation.
type HookFunc func(ctx context.Context, tc ToolContext) (HookResult, error)

// GraphAdapter is the optional external graph store used by graph-injection
// rules. Both operations are best-effort; errors are logged and swallowed.
type GraphAdapter interface {
	Query(ctx context.Context, query string, params map[string]any) (map[string]any, error)
	Mutate(ctx context.Context, query string, params map[string]any) error
}

// ToolRegistry maps tool and hook names to their registered callables.
// Built at startup; reads are concurrent.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
	hooks map[string]HookFunc
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: map[string]ToolFunc{},
		hooks: map[string]HookFunc{},
	}
}

// RegisterTool binds a name to a tool function.
func (r *ToolRegistry) RegisterTool(name string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

// RegisterHook binds a name to a lifecycle hook function.
func (r *ToolRegistry) RegisterHook(name string, fn HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = fn
}

// Tool returns the tool function by name.
func (r *ToolRegistry) Tool(name string) (ToolFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tools[name]
	return fn, ok
}

// Hook returns the hook function by name.
func (r *ToolRegistry) Hook(name string) (HookFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.hooks[name]
	return fn, ok
}
