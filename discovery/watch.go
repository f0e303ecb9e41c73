package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay collapses event bursts, such as a build writing a plugin
// in several chunks, into one cache invalidation.
const debounceDelay = 250 * time.Millisecond

// Watch starts monitoring the search paths. Any relevant filesystem event
// under them invalidates the cached scan, so the next Discover rescans.
// Watch returns immediately; monitoring ends when ctx is done or the
// Discoverer is closed. A second Watch is a no-op.
func (d *Discoverer) Watch(ctx context.Context) error {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if d.watching {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create plugin watcher: %w", err)
	}

	for _, p := range d.paths {
		dir := p
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			dir = filepath.Dir(p)
		}
		if err := w.Add(dir); err != nil {
			// A missing directory may appear later; the cache just goes
			// stale without a watch on it.
			d.logger.Debug("watch plugin path", "path", dir, "error", err)
		}
	}

	d.watching = true
	go d.watchLoop(ctx, w)
	return nil
}

func (d *Discoverer) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			pending = d.handleEvent(ev, pending)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.logger.Debug("plugin watcher error", "error", err)
		}
	}
}

// handleEvent schedules a debounced invalidation for a relevant event and
// returns the active timer.
func (d *Discoverer) handleEvent(ev fsnotify.Event, pending *time.Timer) *time.Timer {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
		return pending
	}
	d.logger.Debug("plugin path changed", "path", ev.Name, "op", ev.Op.String())
	if pending != nil {
		pending.Reset(debounceDelay)
		return pending
	}
	return time.AfterFunc(debounceDelay, d.Invalidate)
}
