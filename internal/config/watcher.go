package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to
// settle before reporting a reload.
const DefaultDebounce = 250 * time.Millisecond

// ReloadEvent reports that one or more watched files changed.
type ReloadEvent struct {
	Paths []string
}

// Watcher reports changes to config.yaml and policy.yaml. The home
// directory itself is watched so files created after Start are seen, and
// editor save bursts are coalesced into a single event.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func NewWatcher(homeDir string, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: DefaultDebounce,
		events:   make(chan ReloadEvent, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func isWatchedFile(name string) bool {
	switch filepath.Base(name) {
	case configFile, policyFile:
		return true
	}
	return false
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]bool{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !isWatchedFile(ev.Name) || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending[ev.Name] = true
			timer.Reset(w.debounce)
		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			select {
			case w.events <- ReloadEvent{Paths: paths}:
				clear(pending)
				w.logger.Info("config files changed", "paths", paths)
			default:
				// Consumer still busy with the previous reload.
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
