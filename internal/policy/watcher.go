package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher calls a reload function when the rule catalog file changes.
// Bursts of editor events are collapsed into one reload.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the catalog at path.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{path: filepath.Clean(path), debounce: debounce, logger: logger}
}

// Watch blocks until ctx is cancelled. The parent directory is watched so
// atomic-rename saves are seen.
func (w *Watcher) Watch(ctx context.Context, onChange func(context.Context) error) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rule watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", w.path, err)
	}
	w.logger.Info("rule catalog watcher started", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("rule watcher events closed")
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("rule catalog changed", "op", ev.Op.String())
			w.schedule(ctx, onChange)
		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("rule watcher errors closed")
			}
			w.logger.Warn("rule watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, onChange func(context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := onChange(ctx); err != nil {
			w.logger.Error("rule reload failed", "path", w.path, "error", err)
			return
		}
		w.logger.Info("rules reloaded from catalog", "path", w.path)
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
