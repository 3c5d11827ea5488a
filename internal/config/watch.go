package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatchServer watches path's directory for write/create events (the
// idiom editors and config-management tools use: a temp-file-then-
// rename leaves a Create event on the final name, not a Write on the
// original inode) and invokes onChange with a freshly reloaded
// ServerConfig. Parse errors are logged and the previous config is
// left in effect. Runs until ctx is cancelled.
func WatchServer(ctx context.Context, path string, logger *logrus.Entry, onChange func(*ServerConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadServer(path)
			if err != nil {
				logger.WithError(err).Warn("config reload failed, keeping previous configuration")
				continue
			}
			logger.Info("configuration reloaded")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("config watcher error")
		}
	}
}
