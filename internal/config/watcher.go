package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent carries a freshly loaded config after config.yaml changed.
// Err is set when the new file failed to load; the caller keeps the
// previous config.
type ReloadEvent struct {
	Path   string
	Config Config
	Err    error
}

// Watcher reloads config.yaml when it changes. The home directory is
// watched rather than the file so editors that replace the file by rename
// are still seen.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 4),
		debounce: 100 * time.Millisecond,
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := ConfigPath(w.homeDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Coalesce the burst of events a single save produces.
				fire = time.After(w.debounce)
			case <-fire:
				fire = nil
				cfg, err := LoadFrom(w.homeDir)
				if err != nil {
					w.logger.Error("config reload failed", "path", target, "error", err)
				} else {
					w.logger.Info("config file changed", "path", target, "fingerprint", cfg.Fingerprint())
				}
				select {
				case w.events <- ReloadEvent{Path: target, Config: cfg, Err: err}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
