package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 750 * time.Millisecond

// Logger matches the minimal logging surface used across the project.
type Logger interface {
	Printf(format string, args ...any)
}

// Watcher reloads the config file on change and hands the fresh Config to
// a callback. Editors replace files with rename+create, so the watch is on
// the containing directory, filtered to the file's path, and debounced.
type Watcher struct {
	path     string
	onReload func(Config)
	logger   Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

type WatcherOptions struct {
	// Debounce collapses bursts of write events into one reload.
	Debounce time.Duration
	Logger   Logger
}

func NewWatcher(path string, onReload func(Config), opts WatcherOptions) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if onReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	return &Watcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		logger:   opts.Logger,
		debounce: debounce,
	}, nil
}

// Run watches until ctx is cancelled. It returns ctx.Err() on cancellation
// and any watcher setup failure immediately.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsWatcher.Close()
	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return ctx.Err()
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logf("config watch error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// The previous config stays in effect until a valid file lands.
		w.logf("config reload skipped: %v", err)
		return
	}
	w.logf("config reloaded from %s", w.path)
	w.onReload(cfg)
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
