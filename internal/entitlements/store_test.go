package entitlements

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

func testManifest(appID string) *models.Manifest {
	return &models.Manifest{
		Version: "2026-08-01",
		AppID:   appID,
		Plan:    models.Plan{ID: "pro", Tier: models.TierPro, Status: "active"},
		Capabilities: []string{
			"cap.workflow.onboarding",
			"cap.tool.save_profile",
		},
		Limits: map[string]int64{"cap.limit.tokens_monthly": 100000},
		TokenBudget: models.TokenBudget{
			Period: "monthly",
			TotalTokens: models.TokenAllowance{
				Limit: 100000, Enforcement: models.EnforceHard,
			},
		},
	}
}

func TestStore_SyncAndGet(t *testing.T) {
	store := NewStore("", nil)

	if err := store.Sync(testManifest("app-1")); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	m := store.Get("app-1", "")
	if m.Plan.ID != "pro" {
		t.Errorf("Plan.ID = %q, want pro", m.Plan.ID)
	}
	if m.Source != models.SourcePlatform {
		t.Errorf("Source = %q, want platform", m.Source)
	}

	// Unknown app falls back to the permissive default.
	d := store.Get("other-app", "")
	if d.Source != models.SourceDefault {
		t.Errorf("fallback Source = %q, want default", d.Source)
	}
}

func TestStore_UserScopedManifestWins(t *testing.T) {
	store := NewStore("", nil)
	_ = store.Sync(testManifest("app-1"))

	scoped := testManifest("app-1")
	scoped.UserID = "user-1"
	scoped.Plan.ID = "enterprise"
	_ = store.Sync(scoped)

	if got := store.Get("app-1", "user-1").Plan.ID; got != "enterprise" {
		t.Errorf("user-scoped Plan.ID = %q, want enterprise", got)
	}
	if got := store.Get("app-1", "user-2").Plan.ID; got != "pro" {
		t.Errorf("app-wide Plan.ID = %q, want pro", got)
	}
}

func TestStore_SyncRejectsInvalid(t *testing.T) {
	store := NewStore("", nil)

	cases := []struct {
		name     string
		manifest *models.Manifest
	}{
		{"nil", nil},
		{"missing app_id", &models.Manifest{}},
		{"bad capability prefix", &models.Manifest{
			AppID: "app-1", Capabilities: []string{"workflow.x"},
		}},
		{"bad limit prefix", &models.Manifest{
			AppID: "app-1", Limits: map[string]int64{"tokens": 1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.Sync(tc.manifest); !errors.Is(err, ErrInvalidManifest) {
				t.Errorf("Sync() error = %v, want ErrInvalidManifest", err)
			}
		})
	}
}

func TestStore_SignatureVerification(t *testing.T) {
	key := "super-secret"
	store := NewStore(key, nil)

	m := testManifest("app-1")
	if err := store.Sync(m); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("unsigned manifest error = %v, want ErrInvalidSignature", err)
	}

	m.Signature = SignManifest([]byte(key), m)
	if err := store.Sync(m); err != nil {
		t.Fatalf("signed manifest rejected: %v", err)
	}

	tampered := testManifest("app-1")
	tampered.Signature = SignManifest([]byte(key), tampered)
	tampered.Capabilities = append(tampered.Capabilities, "cap.workflow.extra")
	if err := store.Sync(tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered manifest error = %v, want ErrInvalidSignature", err)
	}

	// A rejected sync must not replace the active manifest.
	if store.Get("app-1", "").HasCapability("cap.workflow.extra") {
		t.Error("rejected manifest became active")
	}
}

func TestStore_OnChange(t *testing.T) {
	store := NewStore("", nil)
	var gotApp string
	store.OnChange(func(appID string, _ *models.Manifest) { gotApp = appID })

	_ = store.Sync(testManifest("app-1"))
	if gotApp != "app-1" {
		t.Errorf("OnChange app = %q, want app-1", gotApp)
	}
}

func TestStore_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(`{
		"version": "1",
		"app_id": "app-1",
		"plan": {"id": "starter", "tier": "starter", "status": "active"},
		"capabilities": ["cap.workflow.onboarding"]
	}`), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore("", nil)
	if err := store.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	m := store.Get("app-1", "")
	if m.Source != models.SourceFile {
		t.Errorf("Source = %q, want file", m.Source)
	}
	if !m.HasCapability("cap.workflow.onboarding") {
		t.Error("file manifest capability missing")
	}
}
