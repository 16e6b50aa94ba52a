package app

import (
	"context"

	"go.uber.org/zap"

	"mdview/internal/watcher"
)

// Broadcaster pushes a reload signal to every connected browser.
type Broadcaster interface {
	Broadcast() uint64
}

// LivePreview is a coordinator between file watching and HTTP delivery.
type LivePreview struct {
	watcher     *watcher.Watcher
	broadcaster Broadcaster
	logger      *zap.Logger

	events <-chan watcher.ChangeEvent
}

func NewLivePreview(w *watcher.Watcher, b Broadcaster, logger *zap.Logger) *LivePreview {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LivePreview{watcher: w, broadcaster: b, logger: logger}
}

// Start attaches the watcher. Edits made after Start returns are observed.
// The watch ends when ctx is done.
func (p *LivePreview) Start(ctx context.Context) error {
	events, err := p.watcher.Start(ctx)
	if err != nil {
		return err
	}
	p.events = events
	return nil
}

// Run forwards every settled change to the broadcaster until the watch ends.
// Each broadcast completes before the next event is taken. Run calls Start
// with ctx unless Start was already called.
// It returns nil on cancellation and the watcher's error otherwise.
func (p *LivePreview) Run(ctx context.Context) error {
	if p.events == nil {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}

	for ev := range p.events {
		rev := p.broadcaster.Broadcast()
		p.logger.Info("file changed",
			zap.String("file", ev.Path),
			zap.Uint64("rev", rev))
	}
	return p.watcher.Err()
}
