package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/neboloop/keeper/internal/logging"
)

// Watch monitors the config file and calls onChange with each reloaded,
// validated config. Invalid or unreadable rewrites are logged and
// dropped so the keeper stays on its last good config. Blocks until the
// context is cancelled.
//
// Editors replace files with rename/create sequences rather than plain
// writes, so the parent directory is watched and events are debounced.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	logging.Infof("Watching %s for config changes", path)

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := LoadFrom(path)
			if err != nil {
				logging.Warnf("Config reload skipped: %v", err)
				continue
			}
			if err := Validate(cfg); err != nil {
				logging.Warnf("Config reload rejected: %v", err)
				continue
			}
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warnf("Config watcher error: %v", err)
		}
	}
}
