package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDebounce is how long the watcher waits after the last write before
// reloading.
const ReloadDebounce = 500 * time.Millisecond

// Watcher reloads a policy file into a Holder when it changes on disk.
// A file that fails to parse leaves the previous policy active.
type Watcher struct {
	watcher *fsnotify.Watcher
	holder  *Holder
	path    string
	logger  *slog.Logger
	// onReload is called after every reload attempt; used by tests.
	onReload func(error)
}

// NewWatcher watches the directory containing path, so editors that replace
// the file via rename are still observed.
func NewWatcher(path string, holder *Holder, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("policy: watch %q: %w", path, err)
	}
	return &Watcher{
		watcher: w,
		holder:  holder,
		path:    filepath.Clean(path),
		logger:  logger,
	}, nil
}

// Reload reads the file and publishes it. Exposed for SIGHUP-style triggers.
func (w *Watcher) Reload() error {
	cfg, hash, err := LoadConfigWithHash(w.path)
	if err != nil {
		return err
	}
	w.holder.Store(New(cfg), hash)
	return nil
}

// Run watches for file changes and reloads policy. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(ReloadDebounce, func() {
					err := w.Reload()
					if err != nil {
						w.logger.Warn("policy reload failed, keeping previous policy", "path", w.path, "error", err)
					} else {
						w.logger.Info("policy reloaded", "path", w.path, "version", w.holder.Load().Version)
					}
					if w.onReload != nil {
						w.onReload(err)
					}
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}
