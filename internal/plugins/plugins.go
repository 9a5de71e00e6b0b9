// Package plugins discovers plugin units under a conventional layout and
// dispatches execution requests to them with capability enforcement, context
// injection, and timeouts.
package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Descriptor is the plugin.yaml metadata every plugin directory carries.
type Descriptor struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	EntryPoint  string `yaml:"entry_point"`
	Version     string `yaml:"version"`
	Enabled     *bool  `yaml:"enabled"`

	// RequireCapability gates execution behind cap.plugin.<name>.execute.
	RequireCapability bool `yaml:"require_capability"`

	// Entitlements are plugin-declared gates checked before execution and
	// consumed after success.
	Entitlements EntitlementActions `yaml:"entitlements"`
}

// EntitlementActions declares feature gates and consumable limits.
type EntitlementActions struct {
	Feature string       `yaml:"feature"`
	Limit   *LimitAction `yaml:"limit"`
}

// LimitAction is one consumable limit: pre-flight check, consume on success.
type LimitAction struct {
	ID     string `yaml:"id"`
	Amount int64  `yaml:"amount"`
}

// Record is a discovered plugin.
type Record struct {
	Descriptor Descriptor
	Dir        string
	Enabled    bool
	Exec       Executable
	Error      string
}

// entryPoints is the static registry of executable implementations, built at
// startup before discovery runs.
var (
	entryMu     sync.RWMutex
	entryPoints = map[string]Executable{}
)

// RegisterEntryPoint binds an entry-point name to an executable. Descriptors
// reference entry points by this name.
func RegisterEntryPoint(name string, exec Executable) {
	entryMu.Lock()
	defer entryMu.Unlock()
	entryPoints[name] = exec
}

func lookupEntryPoint(name string) (Executable, bool) {
	entryMu.RLock()
	defer entryMu.RUnlock()
	e, ok := entryPoints[name]
	return e, ok
}

// Registry is the immutable-by-name plugin index. Re-discovery swaps the
// index wholesale.
type Registry struct {
	mu      sync.RWMutex
	root    string
	plugins map[string]*Record
}

// NewRegistry creates a registry rooted at the plugins directory.
func NewRegistry(root string) *Registry {
	return &Registry{root: root, plugins: map[string]*Record{}}
}

// Discover enumerates plugin directories, parses descriptors, resolves entry
// points, and swaps the index. Directories with a broken descriptor are
// indexed with an error so /api/plugins can report them.
func (r *Registry) Discover() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.plugins = map[string]*Record{}
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read plugins root: %w", err)
	}

	index := map[string]*Record{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		rec, err := loadRecord(dir)
		if err != nil {
			rec = &Record{
				Descriptor: Descriptor{Name: entry.Name()},
				Dir:        dir,
				Error:      err.Error(),
			}
		}
		if _, dup := index[rec.Descriptor.Name]; dup {
			return fmt.Errorf("duplicate plugin name %q", rec.Descriptor.Name)
		}
		index[rec.Descriptor.Name] = rec
	}

	r.mu.Lock()
	r.plugins = index
	r.mu.Unlock()
	return nil
}

func loadRecord(dir string) (*Record, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "plugin.yaml"))
	if err != nil {
		return nil, fmt.Errorf("descriptor: %w", err)
	}
	var desc Descriptor
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("descriptor: %w", err)
	}
	if desc.Name == "" {
		return nil, fmt.Errorf("descriptor missing name")
	}
	if desc.EntryPoint == "" {
		return nil, fmt.Errorf("descriptor missing entry_point")
	}
	enabled := desc.Enabled == nil || *desc.Enabled

	rec := &Record{Descriptor: desc, Dir: dir, Enabled: enabled}
	exec, ok := lookupEntryPoint(desc.EntryPoint)
	if !ok {
		rec.Error = fmt.Sprintf("entry point %q not registered", desc.EntryPoint)
		rec.Enabled = false
		return rec, nil
	}
	rec.Exec = exec
	return rec, nil
}

// Get returns the plugin by name.
func (r *Registry) Get(name string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.plugins[name]
	return rec, ok
}

// List returns all discovered plugins sorted by name.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.plugins))
	for _, rec := range r.plugins {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.Name < out[j].Descriptor.Name
	})
	return out
}

// Count returns the number of indexed plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
