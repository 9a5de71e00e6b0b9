package workflow

import (
	"context"
	"testing"
)

func noopTool(_ context.Context, _ ToolContext, _ map[string]any) (map[string]any, error) {
	return map[string]any{"status": "ok"}, nil
}

func noopHook(_ context.Context, _ ToolContext) (HookResult, error) {
	return HookResult{Action: ActionContinue}, nil
}

func boundTestBundle(t *testing.T) (*Bundle, *ToolRegistry) {
	t.Helper()
	b, err := ParseBundle([]byte(`
name: onboarding
start_agent: interviewer
agents:
  - name: interviewer
    system_prompt: "Interview for {{app_id}}."
    structured_output: Interview
  - name: summarizer
    system_prompt: "Summarize."
    end_agent: true
tools:
  - name: save_profile
    kind: agent_tool
    target: interviewer
    auto_invoke: true
  - name: welcome
    kind: lifecycle_tool
    trigger: before_chat
handoffs:
  - from: interviewer
    to: summarizer
    condition: "INTERVIEW_DONE"
  - from: summarizer
    to: interviewer
structured_outputs:
  Interview:
    fields:
      summary:
        type: str
`))
	if err != nil {
		t.Fatalf("ParseBundle() error = %v", err)
	}
	reg := NewToolRegistry()
	reg.RegisterTool("save_profile", noopTool)
	reg.RegisterHook("welcome", noopHook)
	return b, reg
}

func TestBind_ResolvesToolsAndHooks(t *testing.T) {
	b, reg := boundTestBundle(t)

	binding, err := Bind(b, reg, map[string]any{"app_id": "app-1"})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	interviewer := binding.ByName["interviewer"]
	if interviewer == nil {
		t.Fatal("interviewer not bound")
	}
	if interviewer.SystemPrompt != "Interview for app-1." {
		t.Errorf("SystemPrompt = %q, want rendered prompt", interviewer.SystemPrompt)
	}
	if _, ok := interviewer.Tools["save_profile"]; !ok {
		t.Error("save_profile not bound to interviewer")
	}
	if interviewer.Output == nil || interviewer.Output.Name != "Interview" {
		t.Error("structured output validator not compiled")
	}
	if _, ok := interviewer.AutoTools["Interview"]; !ok {
		t.Error("auto_invoke tool not registered for the agent's output model")
	}
	if len(binding.Hooks[TriggerBeforeChat]) != 1 {
		t.Errorf("before_chat hooks = %d, want 1", len(binding.Hooks[TriggerBeforeChat]))
	}
}

func TestBind_UnregisteredTool(t *testing.T) {
	b, _ := boundTestBundle(t)
	empty := NewToolRegistry()

	if _, err := Bind(b, empty, nil); err == nil {
		t.Error("Bind() with unregistered tool succeeded")
	}
}

func TestBinding_StartAgent(t *testing.T) {
	b, reg := boundTestBundle(t)
	binding, err := Bind(b, reg, nil)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	start, err := binding.StartAgent("")
	if err != nil || start.Def.Name != "interviewer" {
		t.Errorf("StartAgent(\"\") = %v, %v, want interviewer", start, err)
	}

	override, err := binding.StartAgent("summarizer")
	if err != nil || override.Def.Name != "summarizer" {
		t.Errorf("StartAgent(summarizer) = %v, %v", override, err)
	}

	if _, err := binding.StartAgent("ghost"); err == nil {
		t.Error("StartAgent(ghost) succeeded")
	}
}

func TestBinding_NextAgent(t *testing.T) {
	b, reg := boundTestBundle(t)
	binding, err := Bind(b, reg, nil)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	// Conditional handoff: keyword match is case-insensitive.
	next := binding.NextAgent("interviewer", "All done. interview_done, thanks!")
	if next == nil || next.Def.Name != "summarizer" {
		t.Errorf("conditional handoff = %v, want summarizer", next)
	}

	// No keyword, no unconditional rule from interviewer.
	if next := binding.NextAgent("interviewer", "still talking"); next != nil {
		t.Errorf("NextAgent without match = %v, want nil", next.Def.Name)
	}

	// Unconditional rule always applies.
	next = binding.NextAgent("summarizer", "whatever")
	if next == nil || next.Def.Name != "interviewer" {
		t.Errorf("unconditional handoff = %v, want interviewer", next)
	}
}
