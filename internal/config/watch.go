package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceWindow coalesces the burst of fsnotify events editors emit when
// they rewrite a file.
const debounceWindow = 250 * time.Millisecond

// Watch reloads the global configuration whenever the settings file changes.
// It watches the data directory rather than the file itself because many
// editors replace the file on save, which would drop a file-level watch.
// The returned stop function releases the watcher.
func Watch(ctx context.Context, log zerolog.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(DataDir()); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		settingsName := filepath.Base(SettingsPath())
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != settingsName {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceWindow, func() {
					Reload()
					log.Info().Str("path", event.Name).Msg("settings reloaded")
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("settings watcher error")
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
