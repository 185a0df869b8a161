package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store whenever its backing file changes. It blocks until
// ctx is cancelled and should be run in a goroutine. onReload, if non-nil, is
// called after every successful reload.
func (s *Store) Watch(ctx context.Context, onReload func()) error {
	if s.path == "" {
		return ErrNoPath
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors commonly replace the file instead of writing it in place.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)
	slog.Info("Store.Watch: watching prompt file", "path", target)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				slog.Warn("Store.Watch: reload failed, keeping previous prompts", "path", target, "error", err)
				continue
			}
			if onReload != nil {
				onReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Store.Watch: watcher error", "error", err)
		case <-ctx.Done():
			slog.Debug("Store.Watch: stopping", "path", target)
			return nil
		}
	}
}
