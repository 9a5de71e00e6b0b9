package workflow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader resolves bundles by convention under the workflows root and caches
// them per (app_id, workflow_name). The cache is invalidated on explicit
// request, on mtime change, and on filesystem events.
type Loader struct {
	root   string
	logger *slog.Logger

	mu      sync.RWMutex
	cache   map[string]*cachedBundle
	watcher *fsnotify.Watcher
}

type cachedBundle struct {
	bundle *Bundle
	path   string
	mtime  time.Time
}

// NewLoader creates a loader rooted at the workflows directory and starts a
// best-effort filesystem watch for invalidation.
func NewLoader(root string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{root: root, logger: logger, cache: map[string]*cachedBundle{}}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("workflow watcher unavailable, relying on mtime checks", "error", err)
		return l
	}
	if err := watcher.Add(root); err != nil {
		logger.Warn("workflow watcher add failed", "root", root, "error", err)
		_ = watcher.Close()
		return l
	}
	l.watcher = watcher
	go l.watch()
	return l
}

func (l *Loader) watch() {
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				l.InvalidateAll()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("workflow watcher error", "error", err)
		}
	}
}

func cacheKey(appID, workflowName string) string {
	return appID + ":" + workflowName
}

// resolvePath applies the bundle layout convention:
// <root>/<name>/workflow.yaml, falling back to <root>/<name>.yaml.
func (l *Loader) resolvePath(workflowName string) (string, error) {
	nested := filepath.Join(l.root, workflowName, "workflow.yaml")
	if _, err := os.Stat(nested); err == nil {
		return nested, nil
	}
	flat := filepath.Join(l.root, workflowName+".yaml")
	if _, err := os.Stat(flat); err == nil {
		return flat, nil
	}
	return "", fmt.Errorf("%w: %s", ErrBundleNotFound, workflowName)
}

// Load returns the cached bundle for (app_id, workflow_name), reloading when
// the file changed on disk.
func (l *Loader) Load(appID, workflowName string) (*Bundle, error) {
	key := cacheKey(appID, workflowName)

	l.mu.RLock()
	cached := l.cache[key]
	l.mu.RUnlock()

	if cached != nil {
		info, err := os.Stat(cached.path)
		if err == nil && info.ModTime().Equal(cached.mtime) {
			return cached.bundle, nil
		}
	}

	path, err := l.resolvePath(workflowName)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, workflowName)
	}
	bundle, err := ParseBundle(raw)
	if err != nil {
		return nil, err
	}
	if bundle.Name == "" {
		bundle.Name = workflowName
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, workflowName)
	}

	l.mu.Lock()
	l.cache[key] = &cachedBundle{bundle: bundle, path: path, mtime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Info("workflow bundle loaded", "app_id", appID, "workflow", workflowName,
		"agents", len(bundle.Agents), "tools", len(bundle.Tools))
	return bundle, nil
}

// Invalidate drops one cached bundle.
func (l *Loader) Invalidate(appID, workflowName string) {
	l.mu.Lock()
	delete(l.cache, cacheKey(appID, workflowName))
	l.mu.Unlock()
}

// InvalidateAll drops every cached bundle.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	l.cache = map[string]*cachedBundle{}
	l.mu.Unlock()
}

// Available lists the workflow names present under the root.
func (l *Loader) Available() []string {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			if _, err := os.Stat(filepath.Join(l.root, e.Name(), "workflow.yaml")); err == nil {
				out = append(out, e.Name())
			}
			continue
		}
		if filepath.Ext(e.Name()) == ".yaml" {
			out = append(out, e.Name()[:len(e.Name())-len(".yaml")])
		}
	}
	return out
}

// Close stops the filesystem watcher.
func (l *Loader) Close() {
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
}
