package main

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchConfig reloads the config file whenever it is written and calls
// onChange when the reloaded config differs from current. Invalid contents,
// such as a half-written file, are skipped. It returns when ctx is done.
func watchConfig(ctx context.Context, path string, current *Config, o envOverrides, logger *zap.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// The directory is watched so atomic replace-by-rename is seen too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	path = filepath.Clean(path)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next, err := LoadConfig(path, o)
			if err != nil {
				logger.Debug("ignoring config change", zap.Error(err))
				continue
			}
			if *next == *current {
				continue
			}
			logger.Info("config file changed", zap.String("path", path))
			current = next
			onChange(next)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}
