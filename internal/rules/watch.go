package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store whenever the file at path changes, until ctx is
// done. The parent directory is watched so that editors which replace the
// file by rename are picked up. Bursts of events within debounce collapse
// into one reload.
func (s *Store) Watch(ctx context.Context, path string, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go s.watchLoop(ctx, w, abs, debounce)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, w *fsnotify.Watcher, path string, debounce time.Duration) {
	defer w.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn(ctx, "rule file watcher error", "path", path, "error", err.Error())
		case <-fire:
			fire = nil
			s.logger.Info(ctx, "rule file changed, reloading", "path", path)
			// errors are logged by Reload; the previous snapshot stays active
			_, _ = s.Reload(ctx)
		}
	}
}
