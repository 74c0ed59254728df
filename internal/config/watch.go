package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch calls reload after the file at path changes, until ctx ends. The
// parent directory is watched so atomic renames by editors are seen.
func Watch(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}

	logger.Info("watching_config", slog.String("path", path))

	// Debounce to coalesce bursty editor/atomic-write events.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(watchDebounce)
		}
		timerCh = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}
