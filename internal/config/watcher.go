package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetdeck/fleetdeck/internal/logging"
)

var cfgLog = logging.ForComponent(logging.CompConfig)

// Watcher reloads the config file on change and notifies a callback with
// the fresh config. Tuning values (heartbeat interval, activity thresholds)
// can then be adjusted without restarting the daemon.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	onReload func(*Config)
}

// NewWatcher creates a watcher for the config file at path.
// Call Start() in a goroutine.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		onReload: onReload,
	}, nil
}

// Start begins watching. Must be called in a goroutine.
func (w *Watcher) Start() {
	// Watch the directory: editors replace the file on save, which drops a
	// watch registered on the file itself.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		cfgLog.Warn("watch_failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}

	var debounceTimer *time.Timer
	var debounceMu sync.Mutex

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			// Coalesce rapid write events from editors.
			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(200*time.Millisecond, w.reload)
			debounceMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			cfgLog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		cfgLog.Warn("reload_failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	cfgLog.Info("config_reloaded", slog.String("path", w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop ends the watch loop and releases the watcher.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
}
