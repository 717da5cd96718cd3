package plugin

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relaycode/agentrun/pkg/agent"
	"github.com/relaycode/agentrun/pkg/model"
)

// debounceWindow coalesces editor-save bursts (a single save often fires
// several fs events) before the loader re-reads a changed file, per §6's
// "Expansion — schema validation & hot-reload" note.
const debounceWindow = 100 * time.Millisecond

// Loader watches a plugins directory and keeps an agent.Registry in sync
// with its *.json plugin definitions: on file create/write it validates
// and (re)registers the corresponding agent; on removal it unregisters.
// The registry's own Unregister/default-reassignment rule already handles
// the transition atomically, per §9's "Plugin hot-reload" design note.
type Loader struct {
	dir           string
	registry      *agent.Registry
	provider      model.Provider
	selector      *model.Selector
	workspaceRoot string
	language      string

	mu      sync.Mutex
	loaded  map[string]string // path -> registered agent id
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewLoader constructs a Loader bound to dir and the given registry.
func NewLoader(dir string, registry *agent.Registry, provider model.Provider, selector *model.Selector, workspaceRoot, language string) *Loader {
	return &Loader{
		dir: dir, registry: registry, provider: provider, selector: selector,
		workspaceRoot: workspaceRoot, language: language,
		loaded: make(map[string]string),
	}
}

// LoadAll performs an initial synchronous scan of dir, registering every
// valid plugin found. Malformed plugins are logged and skipped rather than
// aborting the whole scan, consistent with "malformed plugins are rejected
// with a visible error, never executed".
func (l *Loader) LoadAll() error {
	entries, err := filepath.Glob(filepath.Join(l.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range entries {
		l.loadPath(path)
	}
	return nil
}

func (l *Loader) loadPath(path string) {
	def, err := LoadFile(path)
	if err != nil {
		slog.Error("plugin: rejected malformed plugin", "path", path, "error", err)
		return
	}

	l.mu.Lock()
	previousID, hadPrevious := l.loaded[path]
	l.mu.Unlock()

	// A reload (same path, possibly a new id) must vacate whatever agent
	// id this path previously registered, and whatever currently occupies
	// the new id, before registering the fresh definition.
	if hadPrevious {
		l.registry.Unregister(previousID)
	}
	l.registry.Unregister(def.ID)

	a := NewAgent(def, l.provider, l.selector, l.workspaceRoot, l.language)
	if err := l.registry.Register(a, Category); err != nil {
		slog.Error("plugin: failed to register plugin agent", "id", def.ID, "path", path, "error", err)
		return
	}

	l.mu.Lock()
	l.loaded[path] = def.ID
	l.mu.Unlock()
	slog.Info("plugin: loaded", "id", def.ID, "path", path)
}

func (l *Loader) unloadPath(path string) {
	l.mu.Lock()
	id, ok := l.loaded[path]
	if ok {
		delete(l.loaded, path)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	l.registry.Unregister(id)
	slog.Info("plugin: unloaded", "id", id, "path", path)
}

// Watch starts an fsnotify watch on the plugins directory, debouncing
// bursts of events per path before reloading. It blocks until Stop is
// called or the watcher's channels close; watcher errors are logged and
// watching continues. Run it in a goroutine.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return err
	}

	l.mu.Lock()
	l.watcher = watcher
	l.stopCh = make(chan struct{})
	stopCh := l.stopCh
	l.mu.Unlock()

	pending := make(map[string]*time.Timer)
	var pendingMu sync.Mutex

	debounced := func(path string) {
		pendingMu.Lock()
		defer pendingMu.Unlock()
		if t, ok := pending[path]; ok {
			t.Stop()
		}
		pending[path] = time.AfterFunc(debounceWindow, func() {
			if strings.HasSuffix(path, ".json") {
				l.reconcilePath(path)
			}
		})
	}

	for {
		select {
		case <-stopCh:
			watcher.Close()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			debounced(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("plugin: watcher error", "error", err)
		}
	}
}

func (l *Loader) reconcilePath(path string) {
	if fileExists(path) {
		l.loadPath(path)
		return
	}
	l.unloadPath(path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Stop ends the Watch loop, if running.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopCh != nil {
		close(l.stopCh)
		l.stopCh = nil
	}
}
