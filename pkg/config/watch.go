package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/localrouter/gateway/pkg/log"
)

// Watch loads the config at path and watches it for changes. Every valid
// rewrite is delivered on the returned channel; an invalid rewrite is
// logged and skipped, keeping the last good configuration live. The stop
// function tears the watcher down.
func Watch(ctx context.Context, path string) (*Config, chan *Config, func() error, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, nil, err
	}

	// Watch the directory, not the file: editors that save atomically
	// replace the file by rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, nil, nil, err
	}

	updates := make(chan *Config, 1)

	go func() {
		defer close(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				fresh, err := Load(path)
				if err != nil {
					log.Logf("! Config reload skipped: %v", err)
					continue
				}
				log.Log("- Configuration file changed, reloading")
				select {
				case updates <- fresh:
				default:
					// Replace the queued, now-stale update.
					select {
					case <-updates:
					default:
					}
					updates <- fresh
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Logf("! Config watcher error: %v", err)
			}
		}
	}()

	stop := func() error {
		return watcher.Close()
	}
	return cfg, updates, stop, nil
}
