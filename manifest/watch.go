package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor produces when saving.
const DefaultDebounce = 200 * time.Millisecond

// Watch reloads the manifest at path whenever it changes on disk and calls onChange with every
// valid manifest that differs from the last one seen. The parent directory is watched so that
// files replaced by rename are picked up. Invalid manifests are logged and skipped.
func Watch(ctx context.Context, path string, current Manifest, logger *slog.Logger, onChange func(Manifest)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating manifest watcher : %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s : %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s : %w", filepath.Dir(abs), err)
	}

	logger.Info("manifest watcher: started", slog.String("path", abs))

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(DefaultDebounce)
			fire = timer.C
		} else {
			timer.Reset(DefaultDebounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("manifest watcher: stopped")
			return nil

		case <-fire:
			m, err := Load(abs)
			if err != nil {
				logger.Warn("manifest watcher: reload failed", slog.String("path", abs), slog.String("error", err.Error()))
				continue
			}
			if m.Equal(current) {
				continue
			}
			current = m
			logger.Info("manifest watcher: new version", slog.String("version", m.Version), slog.Int("assets", len(m.Assets)))
			if onChange != nil {
				onChange(m)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("manifest watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
