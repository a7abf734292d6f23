package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gwlsn/stepdown/internal/logger"
)

const watchDebounce = 250 * time.Millisecond

// Watcher signals when the backlog file changes so the dispatcher can wake
// before its poll interval runs out. Signals coalesce: a pending wake-up is
// never queued twice.
type Watcher struct {
	path   string
	notify chan struct{}
}

// NewWatcher creates a watcher for the backlog file at path.
func NewWatcher(path string) *Watcher {
	return &Watcher{path: filepath.Clean(path), notify: make(chan struct{}, 1)}
}

// C delivers one value per burst of changes.
func (w *Watcher) C() <-chan struct{} {
	return w.notify
}

// Nudge wakes the dispatcher as if the backlog had changed. Used when jobs
// are submitted through the API.
func (w *Watcher) Nudge() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// the file may be created, replaced or rotated.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Debug("Watching backlog", "path", w.path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(watchDebounce)
			}

		case <-debounce:
			debounce = nil
			w.Nudge()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Backlog watcher error", "error", err)
		}
	}
}
