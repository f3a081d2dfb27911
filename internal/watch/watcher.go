// Package watch monitors the plugin root for binary artifact changes and
// reports them, debounced per plugin.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jfourny/pluginhost/internal/logger"
)

// Kind classifies a change to a plugin artifact.
type Kind string

const (
	// Created means a new artifact appeared.
	Created Kind = "created"
	// Modified means an existing artifact was rewritten.
	Modified Kind = "modified"
	// Deleted means the artifact was removed or renamed away.
	Deleted Kind = "deleted"
)

// ChangeEvent is one debounced artifact change. Plugin is derived from
// the artifact's parent directory. Events are produced here and consumed
// once by the reload coordinator.
type ChangeEvent struct {
	Plugin string
	Path   string
	Kind   Kind
	Time   time.Time
}

// Watcher tracks artifact changes under one plugin root. Lifecycle is
// Stopped -> Watching -> Stopped; Start fails if the underlying
// filesystem watcher cannot be created (fatal to this subsystem only).
type Watcher struct {
	root   string
	ext    string
	window time.Duration
	log    *logger.Logger

	events chan ChangeEvent
	fs     *fsnotify.Watcher
	cancel context.CancelFunc

	mu           sync.Mutex
	lastAccepted map[string]time.Time
	timers       map[string]*time.Timer
	watching     bool
}

// NewWatcher creates a stopped watcher. ext is the tracked artifact
// extension (".so"); window is the debounce window.
func NewWatcher(root, ext string, window time.Duration, log *logger.Logger) *Watcher {
	if ext == "" {
		ext = ".so"
	}
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &Watcher{
		root:         root,
		ext:          ext,
		window:       window,
		log:          log.WithComponent("watcher"),
		events:       make(chan ChangeEvent, 64),
		lastAccepted: make(map[string]time.Time),
		timers:       make(map[string]*time.Timer),
	}
}

// Events returns the debounced change stream.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Watching reports whether the watcher is running.
func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

// Start transitions Stopped -> Watching. The plugin root and every
// existing plugin subdirectory are registered; subdirectories created
// later are picked up from their create events.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching {
		return fmt.Errorf("watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create filesystem watcher: %w", err)
	}

	if err := fsw.Add(w.root); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("scan %s: %w", w.root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := fsw.Add(filepath.Join(w.root, entry.Name())); err != nil {
				w.log.Warn(fmt.Sprintf("watch %s: %v", entry.Name(), err))
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.fs = fsw
	w.cancel = cancel
	w.watching = true

	go w.loop(runCtx)
	return nil
}

// Stop transitions Watching -> Stopped. Idempotent.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.watching {
		return nil
	}
	w.cancel()

	err := w.fs.Close()
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.watching = false
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn(fmt.Sprintf("filesystem watcher error: %v", err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	// New plugin directories must be registered before their artifact
	// shows up.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fs.Add(event.Name); err != nil {
				w.log.Warn(fmt.Sprintf("watch %s: %v", event.Name, err))
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, w.ext) {
		return
	}

	var kind Kind
	switch {
	case event.Op.Has(fsnotify.Create):
		kind = Created
	case event.Op.Has(fsnotify.Write):
		kind = Modified
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		kind = Deleted
	default:
		return
	}

	plugin := filepath.Base(filepath.Dir(event.Name))
	w.debounce(ctx, ChangeEvent{Plugin: plugin, Path: event.Name, Kind: kind, Time: time.Now()})
}

// debounce drops events arriving within the window of the last accepted
// event for the same plugin. An accepted event resets the clock and is
// emitted only after the window elapses, letting the write finish first.
func (w *Watcher) debounce(ctx context.Context, event ChangeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, seen := w.lastAccepted[event.Plugin]
	if seen && time.Since(last) < w.window {
		return
	}
	w.lastAccepted[event.Plugin] = time.Now()

	if timer, ok := w.timers[event.Plugin]; ok {
		timer.Stop()
	}
	w.timers[event.Plugin] = time.AfterFunc(w.window, func() {
		select {
		case w.events <- event:
		case <-ctx.Done():
		}

		w.mu.Lock()
		delete(w.timers, event.Plugin)
		w.mu.Unlock()
	})
}
