package config

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "chanpost/pkg/logx"
)

const (
	// Editors tend to save in several writes; wait for them to settle.
	reloadDelay     = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

var errWatcherClosed = errors.New("config watcher closed")

// Watch reloads the config after the file changes until ctx is done. The
// directory is watched so atomic renames are seen. A broken watcher returns an
// error; callers restart Watch.
func (m *ConfigManager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return err
	}
	m.mu.RLock()
	log := m.log.With(logx.String("path", m.path))
	m.mu.RUnlock()
	log.Debug("config watch started")

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) != name || ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(reloadDelay)
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				return err
			}
			// Events were lost; reload to catch up.
			log.Warn("config watch overflow", logx.Err(err))
			timer.Reset(reloadDelay)
		case <-timer.C:
			_ = m.Reload(ctx)
		}
	}
}
