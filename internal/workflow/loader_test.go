package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeBundle(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(minimalBundle), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoader_LoadFlatAndNested(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, filepath.Join(root, "flat.yaml"))
	writeBundle(t, filepath.Join(root, "nested", "workflow.yaml"))

	l := NewLoader(root, nil)
	defer l.Close()

	flat, err := l.Load("app-1", "flat")
	if err != nil {
		t.Fatalf("Load(flat) error = %v", err)
	}
	if flat.Name != "onboarding" {
		t.Errorf("Name = %q, want onboarding", flat.Name)
	}

	if _, err := l.Load("app-1", "nested"); err != nil {
		t.Fatalf("Load(nested) error = %v", err)
	}

	if _, err := l.Load("app-1", "ghost"); !errors.Is(err, ErrBundleNotFound) {
		t.Errorf("Load(ghost) error = %v, want ErrBundleNotFound", err)
	}
}

func TestLoader_CachesByAppAndName(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, filepath.Join(root, "wf.yaml"))

	l := NewLoader(root, nil)
	defer l.Close()

	first, err := l.Load("app-1", "wf")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	second, err := l.Load("app-1", "wf")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if first != second {
		t.Error("second load did not hit the cache")
	}

	l.Invalidate("app-1", "wf")
	third, err := l.Load("app-1", "wf")
	if err != nil {
		t.Fatalf("Load() after invalidate error = %v", err)
	}
	if third == nil {
		t.Fatal("Load() after invalidate returned nil bundle")
	}
}

func TestLoader_Available(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, filepath.Join(root, "alpha.yaml"))
	writeBundle(t, filepath.Join(root, "beta", "workflow.yaml"))
	// A directory without workflow.yaml is not a workflow.
	if err := os.MkdirAll(filepath.Join(root, "junk"), 0o755); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(root, nil)
	defer l.Close()

	names := map[string]bool{}
	for _, n := range l.Available() {
		names[n] = true
	}
	if !names["alpha"] || !names["beta"] {
		t.Errorf("Available() = %v, want alpha and beta", names)
	}
	if names["junk"] {
		t.Error("Available() listed a directory without workflow.yaml")
	}
}
