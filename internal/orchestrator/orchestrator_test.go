package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/audit"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/config"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/entitlements"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/sessions"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/usage"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/workflow"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

func TestCacheSeed(t *testing.T) {
	seed := CacheSeed("chat-1")
	if len(seed) != 16 {
		t.Errorf("seed length = %d, want 16", len(seed))
	}
	for _, c := range seed {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Errorf("seed %q contains non-hex character %q", seed, c)
		}
	}
	if CacheSeed("chat-1") != seed {
		t.Error("seed not deterministic for the same chat")
	}
	if CacheSeed("chat-2") == seed {
		t.Error("different chats produced the same seed")
	}
}

const startTestBundle = `
name: onboarding
start_agent: greeter
agents:
  - name: greeter
    system_prompt: "Greet {{user_id}}."
    end_agent: true
`

const gatedTestBundle = `
name: advanced
start_agent: expert
prerequisites:
  - onboarding
agents:
  - name: expert
    system_prompt: "Deep dive."
    end_agent: true
`

func startTestOrchestrator(t *testing.T, manifest *models.Manifest) (*Orchestrator, sessions.Store) {
	t.Helper()
	root := t.TempDir()
	for name, raw := range map[string]string{
		"onboarding.yaml": startTestBundle,
		"advanced.yaml":   gatedTestBundle,
	} {
		if err := os.WriteFile(filepath.Join(root, name), []byte(raw), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	entStore := entitlements.NewStore("", nil)
	if manifest != nil {
		if err := entStore.Sync(manifest); err != nil {
			t.Fatal(err)
		}
	}
	auditLogger, err := audit.NewLogger(audit.Config{})
	if err != nil {
		t.Fatal(err)
	}

	store := sessions.NewMemoryStore()
	loader := workflow.NewLoader(root, nil)
	t.Cleanup(func() { loader.Close() })

	o := New(Options{
		Config: &config.Config{
			Workflows: config.WorkflowsConfig{StartIdempotency: time.Hour},
		},
		Loader:    loader,
		Store:     store,
		Evaluator: entitlements.NewEvaluator(entStore, auditLogger),
		Counters:  usage.NewCounters(nil, nil),
	})
	return o, store
}

func grantingManifest() *models.Manifest {
	return &models.Manifest{
		AppID:        "app-1",
		Capabilities: []string{"cap.workflow.onboarding"},
	}
}

func TestOrchestrator_Start(t *testing.T) {
	o, store := startTestOrchestrator(t, grantingManifest())
	ctx := context.Background()

	req := StartRequest{AppID: "app-1", WorkflowName: "onboarding", UserID: "user-1"}
	first, err := o.Start(ctx, req)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if first.ChatID == "" || first.Reused {
		t.Errorf("first start = %+v, want fresh chat", first)
	}
	if first.CacheSeed != CacheSeed(first.ChatID) {
		t.Errorf("CacheSeed = %q, want derived from chat id", first.CacheSeed)
	}

	sess, err := store.GetSession(ctx, first.ChatID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if sess.Status != models.SessionInProgress {
		t.Errorf("Status = %q, want in_progress", sess.Status)
	}

	// A second start within the idempotency window reuses the session.
	second, err := o.Start(ctx, req)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !second.Reused || second.ChatID != first.ChatID {
		t.Errorf("second start = %+v, want reuse of %s", second, first.ChatID)
	}

	forced := req
	forced.ForceNew = true
	third, err := o.Start(ctx, forced)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if third.Reused || third.ChatID == first.ChatID {
		t.Errorf("forced start = %+v, want new chat", third)
	}
}

func TestOrchestrator_StartCapabilityDenied(t *testing.T) {
	o, _ := startTestOrchestrator(t, &models.Manifest{AppID: "app-1"})

	_, err := o.Start(context.Background(), StartRequest{
		AppID: "app-1", WorkflowName: "onboarding", UserID: "user-1",
	})
	if !errors.Is(err, entitlements.ErrCapabilityDenied) {
		t.Errorf("Start() error = %v, want ErrCapabilityDenied", err)
	}
}

func TestOrchestrator_StartInsufficientTokens(t *testing.T) {
	m := grantingManifest()
	m.TokenBudget = models.TokenBudget{
		Period: "monthly",
		TotalTokens: models.TokenAllowance{
			Limit: 100, Enforcement: models.EnforceHard,
		},
	}
	o, _ := startTestOrchestrator(t, m)

	_, err := o.Start(context.Background(), StartRequest{
		AppID: "app-1", WorkflowName: "onboarding", UserID: "user-1",
		RequiredMinTokens: 500,
	})
	if !errors.Is(err, ErrInsufficientTokens) {
		t.Errorf("Start() error = %v, want ErrInsufficientTokens", err)
	}
}

func TestOrchestrator_StartPrerequisiteGate(t *testing.T) {
	m := grantingManifest()
	m.Capabilities = append(m.Capabilities, "cap.workflow.advanced")
	o, store := startTestOrchestrator(t, m)
	ctx := context.Background()

	_, err := o.Start(ctx, StartRequest{
		AppID: "app-1", WorkflowName: "advanced", UserID: "user-1",
	})
	if !errors.Is(err, ErrPrerequisiteNotMet) {
		t.Fatalf("Start() error = %v, want ErrPrerequisiteNotMet", err)
	}

	first, err := o.Start(ctx, StartRequest{
		AppID: "app-1", WorkflowName: "onboarding", UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Start(onboarding) error = %v", err)
	}
	if err := store.UpdateStatus(ctx, first.ChatID, models.SessionCompleted); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	res, err := o.Start(ctx, StartRequest{
		AppID: "app-1", WorkflowName: "advanced", UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Start() after prerequisite completed error = %v", err)
	}
	if res.Reused {
		t.Errorf("Start() = %+v, want fresh session", res)
	}

	// Completion is per user.
	_, err = o.Start(ctx, StartRequest{
		AppID: "app-1", WorkflowName: "advanced", UserID: "user-2",
	})
	if !errors.Is(err, ErrPrerequisiteNotMet) {
		t.Errorf("Start() for other user error = %v, want ErrPrerequisiteNotMet", err)
	}
}

func TestOrchestrator_StartUnknownWorkflow(t *testing.T) {
	m := grantingManifest()
	m.Capabilities = append(m.Capabilities, "cap.workflow.ghost")
	o, _ := startTestOrchestrator(t, m)

	_, err := o.Start(context.Background(), StartRequest{
		AppID: "app-1", WorkflowName: "ghost", UserID: "user-1",
	})
	if !errors.Is(err, workflow.ErrBundleNotFound) {
		t.Errorf("Start() error = %v, want ErrBundleNotFound", err)
	}
}
