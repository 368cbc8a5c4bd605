package flowstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360/nodeflows/errors"
)

// DefaultDebounce is how long the watcher waits for writes to settle
const DefaultDebounce = 500 * time.Millisecond

// Watcher calls a function when a local flows file changes on disk
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for a local file path
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: filepath.Clean(path), debounce: debounce, logger: logger}
}

// Watch starts watching in the background until ctx is done. The parent
// directory is watched so editors that replace the file are still seen.
func (w *Watcher) Watch(ctx context.Context, onChange func(ctx context.Context)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapTransient(err, "Watcher", "Watch", "create watcher")
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return errors.WrapTransient(err, "Watcher", "Watch", "watch directory")
	}

	go w.processEvents(ctx, fw, onChange)

	w.logger.Info("Watching flows file", "path", w.path)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher, onChange func(ctx context.Context)) {
	defer func() { _ = fw.Close() }()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("Flows file changed", "file", event.Name, "op", event.Op.String())
			w.schedule(ctx, onChange)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Flows watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, onChange func(ctx context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		onChange(ctx)
	})
}
