package workflow

import (
	"fmt"
	"strings"
)

// BoundTool pairs a tool definition with its registered implementation.
type BoundTool struct {
	Def ToolDef
	Fn  ToolFunc
}

// BoundHook pairs a hook definition with its registered implementation.
type BoundHook struct {
	Def HookDef
	Fn  HookFunc
}

// BoundAgent is one agent materialized for a run: rendered prompt, resolved
// LLM profile, its tool subset, and its structured-output validator.
type BoundAgent struct {
	Def          AgentDef
	SystemPrompt string
	Tools        map[string]BoundTool
	Output       *Validator

	// AutoTools maps a structured-output model name to the tool invoked
	// automatically when the agent produces that output.
	AutoTools map[string]BoundTool
}

// Binding is an executable instance of a bundle for one run.
type Binding struct {
	Bundle *Bundle
	Agents []*BoundAgent
	ByName map[string]*BoundAgent

	// Hooks by trigger, in declaration order.
	Hooks map[string][]BoundHook

	// Tools indexes every bound non-lifecycle tool by name.
	Tools map[string]BoundTool
}

// Bind materializes the bundle against the tool registry, rendering prompts
// with the given context variables.
func Bind(bundle *Bundle, registry *ToolRegistry, vars map[string]any) (*Binding, error) {
	binding := &Binding{
		Bundle: bundle,
		ByName: map[string]*BoundAgent{},
		Hooks:  map[string][]BoundHook{},
		Tools:  map[string]BoundTool{},
	}

	for _, td := range bundle.Tools {
		if td.Kind == KindLifecycleTool {
			fn, ok := registry.Hook(td.Name)
			if !ok {
				return nil, invalid("lifecycle tool %q has no registered hook", td.Name)
			}
			binding.Hooks[td.Trigger] = append(binding.Hooks[td.Trigger],
				BoundHook{Def: HookDef{Name: td.Name, Trigger: td.Trigger}, Fn: fn})
			continue
		}
		fn, ok := registry.Tool(td.Name)
		if !ok {
			return nil, invalid("tool %q has no registered implementation", td.Name)
		}
		binding.Tools[td.Name] = BoundTool{Def: td, Fn: fn}
	}

	for _, hd := range bundle.Hooks {
		fn, ok := registry.Hook(hd.Name)
		if !ok {
			return nil, invalid("hook %q has no registered implementation", hd.Name)
		}
		binding.Hooks[hd.Trigger] = append(binding.Hooks[hd.Trigger], BoundHook{Def: hd, Fn: fn})
	}

	for _, ad := range bundle.Agents {
		agent := &BoundAgent{
			Def:          ad,
			SystemPrompt: renderTemplate(ad.SystemPrompt, vars),
			Tools:        map[string]BoundTool{},
			AutoTools:    map[string]BoundTool{},
		}
		for _, td := range bundle.ToolsFor(ad.Name) {
			agent.Tools[td.Name] = binding.Tools[td.Name]
		}
		if ad.StructuredOutput != "" {
			v, err := bundle.CompileModel(ad.StructuredOutput)
			if err != nil {
				return nil, err
			}
			agent.Output = v
			// Auto-tool bindings: auto_invoke tools targeting this agent
			// fire when its structured output validates.
			for _, bt := range agent.Tools {
				if bt.Def.AutoInvoke {
					agent.AutoTools[ad.StructuredOutput] = bt
				}
			}
		}
		binding.Agents = append(binding.Agents, agent)
		binding.ByName[ad.Name] = agent
	}

	return binding, nil
}

// StartAgent returns the initial agent: the explicit override, the bundle's
// start_agent, or the first declared agent.
func (b *Binding) StartAgent(override string) (*BoundAgent, error) {
	name := override
	if name == "" {
		name = b.Bundle.StartAgent
	}
	if name == "" {
		return b.Agents[0], nil
	}
	agent, ok := b.ByName[name]
	if !ok {
		return nil, invalid("start agent %q not found", name)
	}
	return agent, nil
}

// NextAgent applies handoff rules after a completed turn. Conditional rules
// match a keyword in the turn's final content; an unconditional rule always
// matches. Returns nil when no rule applies.
func (b *Binding) NextAgent(current string, content string) *BoundAgent {
	lower := strings.ToLower(content)
	var fallback *BoundAgent
	for _, rule := range b.Bundle.Handoffs {
		if rule.From != current {
			continue
		}
		if rule.Condition == "" {
			if fallback == nil {
				fallback = b.ByName[rule.To]
			}
			continue
		}
		if strings.Contains(lower, strings.ToLower(rule.Condition)) {
			return b.ByName[rule.To]
		}
	}
	return fallback
}

// renderTemplate substitutes {{key}} placeholders from the context vars.
func renderTemplate(tmpl string, vars map[string]any) string {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprint(v))
	}
	return out
}
