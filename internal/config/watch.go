package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow coalesces editor write bursts into one reload.
const debounceWindow = 200 * time.Millisecond

// Watch reloads the config whenever its file changes, until ctx is done.
// The parent directory is watched rather than the file itself so that
// atomic rename-based writes keep being observed. A failed reload keeps
// the previous config live and is only logged.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		target := filepath.Clean(m.path)

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceWindow, func() {
					if err := m.Reload(); err != nil {
						m.logger.Warn("config reload failed, keeping previous config",
							zap.String("path", m.path), zap.Error(err))
					}
				})

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	m.logger.Info("watching config file", zap.String("path", m.path))
	return nil
}
