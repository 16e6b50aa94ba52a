// Package watcher turns raw filesystem notifications for one file into
// debounced change events.
//
// The parent directory is watched rather than the file itself so that editors
// which save by renaming a temp file over the original keep producing events
// after the inode changes.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultDebounce    = 100 * time.Millisecond
	DefaultDeleteGrace = 5 * time.Second

	rewatchInterval = 100 * time.Millisecond
)

var (
	// ErrWatchLost means the file (or its directory) went away and did not
	// come back within the grace period.
	ErrWatchLost = errors.New("watch lost")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("watcher already started")
)

// ChangeEvent signals that the file content may differ from the last render.
type ChangeEvent struct {
	Path string
	At   time.Time
}

// Options tunes the watcher.
type Options struct {
	Debounce    time.Duration // Quiet period that closes a burst
	DeleteGrace time.Duration // How long the file may be missing before giving up
}

// Watcher observes a single file.
type Watcher struct {
	path   string
	dir    string
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	err     error
}

// New creates a watcher for path. Nothing is watched until Start.
func New(path string, opts Options, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.DeleteGrace <= 0 {
		opts.DeleteGrace = DefaultDeleteGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:   abs,
		dir:    filepath.Dir(abs),
		opts:   opts,
		logger: logger.With(zap.String("file", abs)),
	}, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.path
}

// Start begins watching. The returned channel yields one ChangeEvent per
// settled burst and is closed when the watcher stops, either because ctx was
// canceled or because the watch was lost (see Err). A watcher cannot be
// restarted.
func (w *Watcher) Start(ctx context.Context) (<-chan ChangeEvent, error) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", w.dir, err)
	}

	out := make(chan ChangeEvent)
	go w.run(ctx, fsw, out)
	return out, nil
}

// Err returns the reason the watcher stopped; nil while running or after a
// context cancellation.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.logger.Warn("file watch stopped", zap.Error(err))
}

// run is the single goroutine owning fsw, the timers and out.
func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, out chan<- ChangeEvent) {
	defer close(out)
	defer fsw.Close()

	debounce := time.NewTimer(w.opts.Debounce)
	debounce.Stop()
	var debounceC <-chan time.Time

	grace := time.NewTimer(w.opts.DeleteGrace)
	grace.Stop()
	var graceC <-chan time.Time

	var rewatch *time.Ticker
	var rewatchC <-chan time.Time
	defer func() {
		if rewatch != nil {
			rewatch.Stop()
		}
	}()

	arm := func() {
		debounce.Reset(w.opts.Debounce)
		debounceC = debounce.C
	}
	startGrace := func() {
		if graceC == nil {
			grace.Reset(w.opts.DeleteGrace)
			graceC = grace.C
		}
	}
	clearGrace := func() {
		grace.Stop()
		graceC = nil
	}

	w.logger.Debug("watching for changes", zap.Duration("debounce", w.opts.Debounce))

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				w.fail(fmt.Errorf("%w: event stream closed", ErrWatchLost))
				return
			}

			if ev.Name == w.dir && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				w.logger.Info("watched directory went away, retrying")
				startGrace()
				if rewatch == nil {
					rewatch = time.NewTicker(rewatchInterval)
					rewatchC = rewatch.C
				}
				continue
			}
			if ev.Name != w.path {
				continue
			}

			switch {
			case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
				clearGrace()
				arm()
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				if fileExists(w.path) {
					arm()
					continue
				}
				w.logger.Debug("file missing, waiting for it to return")
				startGrace()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				w.fail(fmt.Errorf("%w: error stream closed", ErrWatchLost))
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-rewatchC:
			if err := fsw.Add(w.dir); err != nil {
				continue
			}
			rewatch.Stop()
			rewatch, rewatchC = nil, nil
			w.logger.Info("re-established directory watch")
			if fileExists(w.path) {
				clearGrace()
				arm()
			}

		case <-graceC:
			graceC = nil
			if rewatchC == nil && fileExists(w.path) {
				arm()
				continue
			}
			w.fail(fmt.Errorf("%w: %s missing for %s", ErrWatchLost, w.path, w.opts.DeleteGrace))
			return

		case at := <-debounceC:
			debounceC = nil
			if graceC != nil {
				// Still missing; the reappearance will re-arm.
				continue
			}
			select {
			case out <- ChangeEvent{Path: w.path, At: at}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
