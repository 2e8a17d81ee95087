package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the mutable subset of a Config on file writes,
// modelled on mercator-hq-jupiter/pkg/policy/manager.FileWatcher's
// fsnotify-driven reload loop. Resolver.Workers is intentionally excluded
// from what a reload can change: the resolver pool's goroutines are started
// once at process startup (spec.md §4.5 has no provision for resizing a
// running pool), so a changed worker count only takes effect after a
// restart.
type Watcher struct {
	path    string
	log     *slog.Logger
	current atomic.Pointer[Config]
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher loads path once (via Load) and starts watching it for writes.
func NewWatcher(log *slog.Logger, path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, log: log.With("component", "config"), fsw: fsw, done: make(chan struct{})}
	w.current.Store(cfg)
	go w.run()
	return w, nil
}

// Current returns the most recently loaded Config. Safe to call from any
// goroutine; the returned pointer is never mutated in place, only swapped.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous config", "error", err)
		return
	}
	prev := w.current.Load()
	next.Resolver.Workers = prev.Resolver.Workers
	w.current.Store(next)
	w.log.Info("config reloaded", "path", w.path)
}

// Close stops the watcher goroutine and releases the fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
