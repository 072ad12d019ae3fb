package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"arbor/internal/logging"
)

// Watcher watches .arbor/config.yaml for changes and re-applies the
// logging section at runtime. Editors that write-then-rename generate
// bursts of events, so changes are debounced.
type Watcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	workspace string
	debounce  time.Duration
	lastFire  time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
}

// NewWatcher creates a watcher for the given workspace.
func NewWatcher(workspace string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:   fw,
		workspace: workspace,
		debounce:  500 * time.Millisecond,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine.
// Watches the .arbor directory rather than the file itself so that
// rename-based saves keep being observed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(Path(w.workspace))
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	target := Path(w.workspace)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(target) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			fire := time.Since(w.lastFire) >= w.debounce
			if fire {
				w.lastFire = time.Now()
			}
			w.mu.Unlock()
			if !fire {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Warn("watcher error: %v", err)
		}
	}
}

// reload re-reads the config file and re-applies the logging section.
func (w *Watcher) reload() {
	cfg, err := Load(w.workspace)
	if err != nil {
		logging.Get(logging.CategoryConfig).Warn("config reload failed: %v", err)
		return
	}
	logging.Apply(logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
	})
	logging.Get(logging.CategoryConfig).Info("config reloaded, logging settings applied")
}

// Stop stops the watcher and waits for the loop to exit. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.watcher.Close()
	<-w.doneCh
}
