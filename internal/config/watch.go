package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch monitors path for changes and calls onChange with the newly
// loaded Config each time the file is written. It runs until ctx is
// cancelled. A failed reload keeps the previous config active.
func Watch(ctx context.Context, logger *zap.Logger, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return err
	}

	logger.Info("watching config for changes", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save atomically via rename, which surfaces
			// as Create rather than Write.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logger.Error("config reload failed, keeping previous config",
					zap.String("path", path), zap.Error(err))
				continue
			}

			logger.Info("config reloaded", zap.String("path", path))
			onChange(cfg)

			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", zap.Error(err))
		}
	}
}
