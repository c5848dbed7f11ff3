package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads the config file on change and swaps the snapshot in its
// Store. A reload that fails to parse or validate keeps the previous
// snapshot.
type Watcher struct {
	path  string
	store *Store
	log   *slog.Logger
}

// NewWatcher returns a Watcher for the config file at path.
func NewWatcher(path string, store *Store, log *slog.Logger) *Watcher {
	return &Watcher{path: path, store: store, log: log}
}

// Name returns the worker identifier.
func (w *Watcher) Name() string { return "config_watcher" }

// Run watches until ctx is cancelled. The parent directory is watched too
// so atomic writes (write-temp-then-rename) are caught.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	// Debounce rapid successive events (editors write in bursts).
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Name != w.path || !event.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "error", err)

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	snap, err := Build(cfg)
	if err != nil {
		w.log.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.store.Swap(snap)
	w.log.Info("config reloaded",
		"providers", len(snap.Providers),
		"models", len(snap.Aliases),
	)
}
