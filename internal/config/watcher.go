package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/fsnotify/fsnotify"
)

// Watcher notifies about write events on a single configuration file.
type Watcher struct {
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	path    string
	events  chan struct{}
}

// NewWatcher starts watching the directory containing path and returns a
// Watcher that reports on Events whenever path itself is written. As
// recommended by fsnotify, the containing directory is watched rather than
// the file itself, since editors commonly replace the file instead of
// writing it in place.
func NewWatcher(logger *slog.Logger, path string) (w *Watcher, err error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolving path: %w", err)
	}

	if err = fsw.Add(filepath.Dir(abs)); err != nil {
		return nil, fmt.Errorf("config: watching directory of %q: %w", abs, err)
	}

	return &Watcher{
		logger:  logger,
		watcher: fsw,
		path:    abs,
		events:  make(chan struct{}, 1),
	}, nil
}

// Events returns the channel notified after the watched file changes on
// disk. It is closed once the watcher is closed.
func (w *Watcher) Events() (e <-chan struct{}) {
	return w.events
}

// Start begins relaying file system events.
func (w *Watcher) Start(ctx context.Context) (err error) {
	go w.handleEvents(ctx)
	go w.handleErrors(ctx)

	return nil
}

// Shutdown stops the underlying fsnotify watcher.
func (w *Watcher) Shutdown(_ context.Context) (err error) {
	return errors.Annotate(w.watcher.Close(), "config: closing watcher: %w")
}

func (w *Watcher) handleEvents(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, w.logger)
	defer close(w.events)

	for e := range w.watcher.Events {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}

		abs, err := filepath.Abs(e.Name)
		if err != nil || abs != w.path {
			continue
		}

		select {
		case w.events <- struct{}{}:
		default:
			w.logger.DebugContext(ctx, "config change event dropped, already pending")
		}
	}
}

func (w *Watcher) handleErrors(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, w.logger)

	for err := range w.watcher.Errors {
		w.logger.ErrorContext(ctx, "watching configuration file", slogutil.KeyError, err)
	}
}
