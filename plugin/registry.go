package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// entry is one loaded provider. The in-flight wait group lets Unload drain
// active calls before invoking OnUnload, so lifecycle hooks never interleave
// with a dispatch to the same instance.
type entry struct {
	plugin   Plugin
	manifest Manifest
	enabled  bool
	inflight sync.WaitGroup
}

// snapshot is the immutable view dispatch reads. Registry mutations build a
// new snapshot and install it atomically; they never edit one in place.
type snapshot struct {
	byIntent map[string]*entry
	byName   map[string]*entry
}

// Handle is a resolved provider pinned for one call. Release must be called
// exactly once when the call finishes.
type Handle struct {
	entry *entry
}

func (h *Handle) Plugin() Plugin { return h.entry.plugin }
func (h *Handle) Name() string   { return h.entry.manifest.Name }
func (h *Handle) Release()       { h.entry.inflight.Done() }

// Registry owns provider instances and resolves intents to them. Loading and
// unloading are serialized mutations; resolution is a lock-free snapshot read.
type Registry struct {
	mu      sync.Mutex // serializes Load/Unload/SetEnabled
	entries map[string]*entry
	snap    atomic.Pointer[snapshot]

	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]*entry)}
	r.snap.Store(&snapshot{byIntent: map[string]*entry{}, byName: map[string]*entry{}})
	return r
}

// Load initializes p via OnLoad and makes its intents resolvable. Loading a
// name that already exists replaces the old instance: the new snapshot is
// installed first, then the old instance drains and unloads.
func (r *Registry) Load(ctx context.Context, p Plugin) error {
	m := p.Manifest()
	if m.Name == "" {
		return fmt.Errorf("plugin manifest has no name")
	}

	if err := p.OnLoad(ctx); err != nil {
		return fmt.Errorf("load plugin %s: %w", m.Name, err)
	}

	r.mu.Lock()
	old := r.entries[m.Name]
	e := &entry{plugin: p, manifest: m, enabled: m.Enabled}
	r.entries[m.Name] = e
	r.rebuildLocked()
	r.mu.Unlock()

	if old != nil {
		r.drainAndUnload(old)
	}
	slog.Info("plugin loaded", "plugin", m.Name, "intents", m.Intents, "enabled", m.Enabled)
	return nil
}

// Unload removes the named provider. In-flight calls to the old instance run
// to completion before OnUnload fires.
func (r *Registry) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin %s not loaded", name)
	}
	delete(r.entries, name)
	r.rebuildLocked()
	r.mu.Unlock()

	r.drainAndUnload(e)
	slog.Info("plugin unloaded", "plugin", name)
	return nil
}

func (r *Registry) drainAndUnload(e *entry) {
	e.inflight.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.plugin.OnUnload(ctx); err != nil {
		slog.Error("plugin unload hook failed", "plugin", e.manifest.Name, "error", err)
	}
}

// SetEnabled toggles a provider in the dispatchable set without unloading it.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || e.enabled == enabled {
		return ok
	}
	e.enabled = enabled
	r.rebuildLocked()
	slog.Info("plugin enablement changed", "plugin", name, "enabled", enabled)
	return true
}

// rebuildLocked installs a fresh snapshot of enabled providers. Caller holds mu.
func (r *Registry) rebuildLocked() {
	s := &snapshot{
		byIntent: make(map[string]*entry),
		byName:   make(map[string]*entry),
	}
	for name, e := range r.entries {
		if !e.enabled {
			continue
		}
		s.byName[name] = e
		for _, intent := range e.manifest.Intents {
			s.byIntent[intent] = e
		}
	}
	r.snap.Store(s)
}

// Resolve returns a pinned handle for the provider serving intent, or
// ErrUnknownIntent. The caller must Release the handle.
func (r *Registry) Resolve(intent string) (*Handle, error) {
	s := r.snap.Load()
	e, ok := s.byIntent[intent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, intent)
	}
	e.inflight.Add(1)
	return &Handle{entry: e}, nil
}

// Manifests returns the manifests of all loaded providers, enabled or not,
// sorted by name.
func (r *Registry) Manifests() []Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Manifest, 0, len(r.entries))
	for _, e := range r.entries {
		m := e.manifest
		m.Enabled = e.enabled
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PromptContext concatenates the capability descriptions of every enabled
// provider for injection into the inference system prompt.
func (r *Registry) PromptContext() string {
	s := r.snap.Load()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		e := s.byName[name]
		fmt.Fprintf(&b, "## %s\n", e.manifest.Description)
		b.WriteString(e.plugin.PromptContext())
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// HealthCheck reports per-provider health for enabled providers. Providers
// without a HealthChecker count as healthy.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	s := r.snap.Load()
	out := make(map[string]bool, len(s.byName))
	for name, e := range s.byName {
		if hc, ok := e.plugin.(HealthChecker); ok {
			out[name] = hc.HealthCheck(ctx)
		} else {
			out[name] = true
		}
	}
	return out
}

// Close stops the manifest watcher and unloads every provider.
func (r *Registry) Close(ctx context.Context) {
	if r.watchCancel != nil {
		r.watchCancel()
		<-r.watchDone
	}
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for name, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, name)
	}
	r.rebuildLocked()
	r.mu.Unlock()

	for _, e := range entries {
		r.drainAndUnload(e)
	}
}

// manifestFile mirrors the on-disk plugin.json shape. Only enablement and
// config are applied to compiled-in providers; code is not loaded from disk.
type manifestFile struct {
	Name    string         `json:"name"`
	Enabled *bool          `json:"enabled"`
	Config  map[string]any `json:"config"`
}

// ApplyManifestDir scans dir for <plugin>/plugin.json files and applies
// their enablement to loaded providers. Directories starting with "_" are
// skipped. Missing dir is not an error: all providers keep their defaults.
func (r *Registry) ApplyManifestDir(dir string) error {
	items, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plugins dir: %w", err)
	}

	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), "_") {
			continue
		}
		path := filepath.Join(dir, item.Name(), "plugin.json")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			slog.Warn("failed to read plugin manifest", "path", path, "error", err)
			continue
		}
		var mf manifestFile
		if err := json.Unmarshal(data, &mf); err != nil {
			slog.Warn("invalid plugin manifest", "path", path, "error", err)
			continue
		}
		name := mf.Name
		if name == "" {
			name = item.Name()
		}
		if mf.Enabled != nil {
			if !r.SetEnabled(name, *mf.Enabled) {
				slog.Warn("manifest refers to unknown plugin", "path", path, "plugin", name)
			}
		}
	}
	return nil
}

// WatchManifestDir re-applies the manifest directory whenever it changes,
// so operators can enable and disable providers without a restart.
func (r *Registry) WatchManifestDir(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	// Watch each plugin subdir too; fsnotify is not recursive.
	if items, err := os.ReadDir(dir); err == nil {
		for _, item := range items {
			if item.IsDir() && !strings.HasPrefix(item.Name(), "_") {
				if err := watcher.Add(filepath.Join(dir, item.Name())); err != nil {
					slog.Warn("failed to watch plugin dir", "dir", item.Name(), "error", err)
				}
			}
		}
	}
	r.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	r.watchCancel = cancel
	r.watchDone = make(chan struct{})

	go func() {
		defer close(r.watchDone)
		defer watcher.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(reloadDebounce, func() {
						select {
						case reload <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(reloadDebounce)
				}
			case <-reload:
				if err := r.ApplyManifestDir(dir); err != nil {
					slog.Error("manifest reload failed", "dir", dir, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("manifest watcher error", "error", err)
			}
		}
	}()

	slog.Info("watching plugin manifests", "dir", dir)
	return nil
}
