// Package workflow loads, validates, and caches declarative workflow
// bundles, compiles their structured-output models into validators, and
// binds agents to their tools for execution.
package workflow

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	ErrBundleNotFound = errors.New("workflow bundle not found")
	ErrBundleInvalid  = errors.New("workflow bundle invalid")
)

// ToolKind classifies tool entries.
type ToolKind string

const (
	KindAgentTool     ToolKind = "agent_tool"
	KindUITool        ToolKind = "ui_tool"
	KindLifecycleTool ToolKind = "lifecycle_tool"
)

// Lifecycle triggers for hooks and lifecycle tools.
const (
	TriggerBeforeChat  = "before_chat"
	TriggerAfterChat   = "after_chat"
	TriggerBeforeAgent = "before_agent"
	TriggerAfterAgent  = "after_agent"
)

// LLMProfile selects the provider and model for an agent.
type LLMProfile struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// AgentDef declares one agent in a bundle.
type AgentDef struct {
	Name             string     `yaml:"name"`
	SystemPrompt     string     `yaml:"system_prompt"`
	LLM              LLMProfile `yaml:"llm"`
	StructuredOutput string     `yaml:"structured_output"`
	AutoToolMode     bool       `yaml:"auto_tool_mode"`
	EndAgent         bool       `yaml:"end_agent"`
}

// UISpec configures client rendering for a UI tool.
type UISpec struct {
	Component string `yaml:"component"`
	Mode      string `yaml:"mode"` // inline | artifact
}

// ToolDef declares one tool.
type ToolDef struct {
	Name       string   `yaml:"name"`
	Target     string   `yaml:"target"` // agent name or *
	Kind       ToolKind `yaml:"kind"`
	AutoInvoke bool     `yaml:"auto_invoke"`
	UI         *UISpec  `yaml:"ui"`
	Trigger    string   `yaml:"trigger"` // lifecycle tools only
	// Stateless marks a tool invocable outside the agent loop via
	// artifact.action messages.
	Stateless bool `yaml:"stateless"`
}

// HandoffRule is a directed edge between agents, optionally keyed on a
// keyword in the completed turn's content.
type HandoffRule struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition"`
}

// HookDef binds a registered hook callable to a lifecycle trigger.
type HookDef struct {
	Name    string `yaml:"name"`
	Trigger string `yaml:"trigger"`
	Agent   string `yaml:"agent"` // before_agent/after_agent scoping, empty = all
}

// GraphRule is an optional graph-injection rule: a named pre-turn query or
// post-event mutation evaluated against an external graph store. Best-effort
// only; failures never abort a run.
type GraphRule struct {
	Name   string         `yaml:"name"`
	Phase  string         `yaml:"phase"` // pre_turn | post_event
	Query  string         `yaml:"query"`
	Params map[string]any `yaml:"params"`
}

// FieldDef describes one field of a structured-output model.
type FieldDef struct {
	Type        string              `yaml:"type"` // str,int,float,bool,enum,list,dict,union,model
	Optional    bool                `yaml:"optional"`
	Description string              `yaml:"description"`
	Values      []string            `yaml:"values"`   // enum literals
	Items       *FieldDef           `yaml:"items"`    // list element / dict value
	Variants    []FieldDef          `yaml:"variants"` // union members
	Ref         string              `yaml:"ref"`      // referenced model name
	Fields      map[string]FieldDef `yaml:"fields"`   // inline nested object
}

// ModelDef is a structured-output model with optional referential
// inheritance.
type ModelDef struct {
	Inherits string              `yaml:"inherits"`
	Fields   map[string]FieldDef `yaml:"fields"`
}

// Bundle is one declarative workflow package.
type Bundle struct {
	Name       string `yaml:"name"`
	StartAgent string `yaml:"start_agent"`
	MaxTurns   int    `yaml:"max_turns"`
	// Prerequisites name workflows the user must have completed before
	// this one can start.
	Prerequisites []string            `yaml:"prerequisites"`
	Agents        []AgentDef          `yaml:"agents"`
	Tools         []ToolDef           `yaml:"tools"`
	Handoffs      []HandoffRule       `yaml:"handoffs"`
	Models        map[string]ModelDef `yaml:"structured_outputs"`
	Hooks         []HookDef           `yaml:"hooks"`
	GraphRules    []GraphRule         `yaml:"graph_injection"`
}

// ParseBundle decodes a bundle from yaml and validates it.
func ParseBundle(raw []byte) (*Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleInvalid, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Agent returns the agent definition by name.
func (b *Bundle) Agent(name string) (*AgentDef, bool) {
	for i := range b.Agents {
		if b.Agents[i].Name == name {
			return &b.Agents[i], true
		}
	}
	return nil, false
}

// ToolsFor returns the tools bound to an agent (target match or *),
// excluding lifecycle tools.
func (b *Bundle) ToolsFor(agent string) []ToolDef {
	var out []ToolDef
	for _, t := range b.Tools {
		if t.Kind == KindLifecycleTool {
			continue
		}
		if t.Target == agent || t.Target == "*" {
			out = append(out, t)
		}
	}
	return out
}
