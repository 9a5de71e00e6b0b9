package workflow

import "fmt"

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBundleInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the bundle's internal references and constraints.
func (b *Bundle) Validate() error {
	if len(b.Agents) == 0 {
		return invalid("bundle has no agents")
	}

	agents := map[string]bool{}
	for _, a := range b.Agents {
		if a.Name == "" {
			return invalid("agent with empty name")
		}
		if agents[a.Name] {
			return invalid("duplicate agent %q", a.Name)
		}
		agents[a.Name] = true
		if a.StructuredOutput != "" {
			if _, ok := b.Models[a.StructuredOutput]; !ok {
				return invalid("agent %q references unknown structured output %q", a.Name, a.StructuredOutput)
			}
		}
	}
	if b.StartAgent != "" && !agents[b.StartAgent] {
		return invalid("start_agent %q is not a defined agent", b.StartAgent)
	}

	for _, p := range b.Prerequisites {
		if p == "" {
			return invalid("prerequisite with empty name")
		}
		if p == b.Name {
			return invalid("workflow %q lists itself as a prerequisite", b.Name)
		}
	}

	tools := map[string]bool{}
	for _, t := range b.Tools {
		if t.Name == "" {
			return invalid("tool with empty name")
		}
		if tools[t.Name] {
			return invalid("duplicate tool %q", t.Name)
		}
		tools[t.Name] = true
		switch t.Kind {
		case KindAgentTool, KindUITool:
			if t.Target != "*" && !agents[t.Target] {
				return invalid("tool %q targets unknown agent %q", t.Name, t.Target)
			}
		case KindLifecycleTool:
			if !validTrigger(t.Trigger) {
				return invalid("lifecycle tool %q has unknown trigger %q", t.Name, t.Trigger)
			}
		default:
			return invalid("tool %q has unknown kind %q", t.Name, t.Kind)
		}
		// UI tools require client interaction, so the orchestrator can
		// never auto-invoke them from a structured output.
		if t.AutoInvoke && t.Kind == KindUITool {
			return invalid("ui tool %q cannot be auto-invoked", t.Name)
		}
		if t.Kind == KindUITool {
			if t.UI == nil || t.UI.Component == "" {
				return invalid("ui tool %q missing ui.component", t.Name)
			}
			if t.UI.Mode != "inline" && t.UI.Mode != "artifact" {
				return invalid("ui tool %q has invalid ui.mode %q", t.Name, t.UI.Mode)
			}
		}
	}

	for _, h := range b.Handoffs {
		if !agents[h.From] {
			return invalid("handoff from unknown agent %q", h.From)
		}
		if !agents[h.To] {
			return invalid("handoff to unknown agent %q", h.To)
		}
	}

	for _, h := range b.Hooks {
		if h.Name == "" {
			return invalid("hook with empty name")
		}
		if !validTrigger(h.Trigger) {
			return invalid("hook %q has unknown trigger %q", h.Name, h.Trigger)
		}
		if h.Agent != "" && !agents[h.Agent] {
			return invalid("hook %q scoped to unknown agent %q", h.Name, h.Agent)
		}
	}

	for _, g := range b.GraphRules {
		if g.Phase != "pre_turn" && g.Phase != "post_event" {
			return invalid("graph rule %q has unknown phase %q", g.Name, g.Phase)
		}
	}

	return b.validateModels()
}

func validTrigger(t string) bool {
	switch t {
	case TriggerBeforeChat, TriggerAfterChat, TriggerBeforeAgent, TriggerAfterAgent:
		return true
	}
	return false
}

// validateModels checks model references and rejects circular inheritance.
func (b *Bundle) validateModels() error {
	for name, def := range b.Models {
		// Walk the inheritance chain from each model; a revisit is a cycle.
		seen := map[string]bool{name: true}
		cur := def
		for cur.Inherits != "" {
			parent := cur.Inherits
			if seen[parent] {
				return invalid("circular inheritance involving model %q", name)
			}
			seen[parent] = true
			next, ok := b.Models[parent]
			if !ok {
				return invalid("model %q inherits unknown model %q", name, parent)
			}
			cur = next
		}
		for field, fd := range def.Fields {
			if err := b.validateField(name, field, fd); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bundle) validateField(model, field string, fd FieldDef) error {
	switch fd.Type {
	case "str", "int", "float", "bool":
	case "enum":
		if len(fd.Values) == 0 {
			return invalid("model %q field %q: enum with no values", model, field)
		}
	case "list", "dict":
		if fd.Items == nil {
			return invalid("model %q field %q: %s requires items", model, field, fd.Type)
		}
		return b.validateField(model, field, *fd.Items)
	case "union":
		if len(fd.Variants) < 2 {
			return invalid("model %q field %q: union needs at least two variants", model, field)
		}
		for _, v := range fd.Variants {
			if err := b.validateField(model, field, v); err != nil {
				return err
			}
		}
	case "model":
		if fd.Ref == "" {
			return invalid("model %q field %q: model type requires ref", model, field)
		}
		if _, ok := b.Models[fd.Ref]; !ok {
			return invalid("model %q field %q references unknown model %q", model, field, fd.Ref)
		}
	case "object":
		for sub, sd := range fd.Fields {
			if err := b.validateField(model, field+"."+sub, sd); err != nil {
				return err
			}
		}
	default:
		return invalid("model %q field %q has unknown type %q", model, field, fd.Type)
	}
	return nil
}
