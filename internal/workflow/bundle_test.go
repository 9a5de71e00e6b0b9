package workflow

import (
	"errors"
	"strings"
	"testing"
)

const minimalBundle = `
name: onboarding
start_agent: interviewer
agents:
  - name: interviewer
    system_prompt: "You interview {{user_id}} for app {{app_id}}."
  - name: summarizer
    system_prompt: "Summarize."
    end_agent: true
handoffs:
  - from: interviewer
    to: summarizer
    condition: "INTERVIEW_DONE"
`

func TestParseBundle_Valid(t *testing.T) {
	b, err := ParseBundle([]byte(minimalBundle))
	if err != nil {
		t.Fatalf("ParseBundle() error = %v", err)
	}
	if b.Name != "onboarding" {
		t.Errorf("Name = %q, want onboarding", b.Name)
	}
	if len(b.Agents) != 2 {
		t.Errorf("agent count = %d, want 2", len(b.Agents))
	}
	if _, ok := b.Agent("summarizer"); !ok {
		t.Error("Agent(summarizer) not found")
	}
}

func TestParseBundle_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no agents", `name: x`},
		{"duplicate agent", `
agents:
  - name: a
  - name: a
`},
		{"unknown start agent", `
start_agent: ghost
agents:
  - name: a
`},
		{"unknown structured output", `
agents:
  - name: a
    structured_output: missing
`},
		{"tool targets unknown agent", `
agents:
  - name: a
tools:
  - name: t
    kind: agent_tool
    target: ghost
`},
		{"ui tool with auto_invoke", `
agents:
  - name: a
tools:
  - name: picker
    kind: ui_tool
    target: a
    auto_invoke: true
    ui:
      component: Picker
      mode: inline
`},
		{"ui tool missing component", `
agents:
  - name: a
tools:
  - name: picker
    kind: ui_tool
    target: a
    ui:
      mode: inline
`},
		{"handoff to unknown agent", `
agents:
  - name: a
handoffs:
  - from: a
    to: ghost
`},
		{"hook with bad trigger", `
agents:
  - name: a
hooks:
  - name: h
    trigger: during_chat
`},
		{"circular model inheritance", `
agents:
  - name: a
structured_outputs:
  A:
    inherits: B
  B:
    inherits: A
`},
		{"empty prerequisite", `
agents:
  - name: a
prerequisites:
  - ""
`},
		{"self prerequisite", `
name: onboarding
agents:
  - name: a
prerequisites:
  - onboarding
`},
		{"enum without values", `
agents:
  - name: a
structured_outputs:
  M:
    fields:
      kind:
        type: enum
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBundle([]byte(tc.yaml))
			if !errors.Is(err, ErrBundleInvalid) {
				t.Errorf("ParseBundle() error = %v, want ErrBundleInvalid", err)
			}
		})
	}
}

func TestBundle_ToolsFor(t *testing.T) {
	b, err := ParseBundle([]byte(`
agents:
  - name: a
  - name: b
tools:
  - name: shared
    kind: agent_tool
    target: "*"
  - name: only_a
    kind: agent_tool
    target: a
  - name: setup
    kind: lifecycle_tool
    trigger: before_chat
`))
	if err != nil {
		t.Fatalf("ParseBundle() error = %v", err)
	}

	toolsA := b.ToolsFor("a")
	if len(toolsA) != 2 {
		t.Fatalf("ToolsFor(a) = %d tools, want 2", len(toolsA))
	}
	toolsB := b.ToolsFor("b")
	if len(toolsB) != 1 || toolsB[0].Name != "shared" {
		t.Errorf("ToolsFor(b) = %v, want only shared", toolsB)
	}
}

func TestCompileModel_ValidatesOutput(t *testing.T) {
	b, err := ParseBundle([]byte(`
agents:
  - name: a
structured_outputs:
  Base:
    fields:
      id:
        type: str
  Profile:
    inherits: Base
    fields:
      age:
        type: int
      nickname:
        type: str
        optional: true
      status:
        type: enum
        values: [active, paused]
`))
	if err != nil {
		t.Fatalf("ParseBundle() error = %v", err)
	}

	v, err := b.CompileModel("Profile")
	if err != nil {
		t.Fatalf("CompileModel() error = %v", err)
	}

	if _, err := v.ValidateRaw([]byte(`{"id":"u1","age":30,"status":"active"}`)); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	// Inherited field missing.
	if _, err := v.ValidateRaw([]byte(`{"age":30,"status":"active"}`)); err == nil {
		t.Error("document missing inherited required field accepted")
	}
	if _, err := v.ValidateRaw([]byte(`{"id":"u1","age":"thirty","status":"active"}`)); err == nil {
		t.Error("document with wrong field type accepted")
	}
	if _, err := v.ValidateRaw([]byte(`{"id":"u1","age":30,"status":"gone"}`)); err == nil {
		t.Error("document with unknown enum literal accepted")
	}
	if _, err := v.ValidateRaw([]byte(`{"id":"u1","age":30,"status":"active","extra":1}`)); err == nil {
		t.Error("document with additional property accepted")
	}
	if _, err := v.ValidateRaw([]byte(`not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestCompileModel_Unknown(t *testing.T) {
	b, _ := ParseBundle([]byte(minimalBundle))
	if _, err := b.CompileModel("missing"); !errors.Is(err, ErrBundleInvalid) {
		t.Errorf("CompileModel(missing) error = %v, want ErrBundleInvalid", err)
	}
}

func TestRenderTemplate(t *testing.T) {
	got := renderTemplate("Hello {{name}}, run {{chat_id}} ({{missing}})", map[string]any{
		"name":    "Ada",
		"chat_id": "c-1",
	})
	want := "Hello Ada, run c-1 ({{missing}})"
	if got != want {
		t.Errorf("renderTemplate = %q, want %q", got, want)
	}
}

func TestBundle_ValidateUIToolModes(t *testing.T) {
	_, err := ParseBundle([]byte(`
agents:
  - name: a
tools:
  - name: picker
    kind: ui_tool
    target: a
    ui:
      component: Picker
      mode: floating
`))
	if err == nil || !strings.Contains(err.Error(), "ui.mode") {
		t.Errorf("invalid ui.mode accepted: %v", err)
	}
}
