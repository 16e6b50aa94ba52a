package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"mdview/internal/app"
	"mdview/internal/ports"
	"mdview/internal/registry"
	"mdview/internal/render"
	httpserver "mdview/internal/transport/http"
	"mdview/internal/watcher"
)

const shutdownTimeout = 3 * time.Second

// Readiness lines written by a background child to its parent.
const (
	readyLine     = "ready"
	duplicateLine = "duplicate"
)

// RunOptions tunes RunForeground.
type RunOptions struct {
	// Port pins the port; 0 probes the configured range.
	Port   int
	NoOpen bool

	// Listener is an already bound socket to serve on, e.g. one inherited
	// from the parent of a background instance. Port is ignored when set.
	Listener net.Listener
	// Ready receives one readiness line once the instance is registered and
	// serving, or a duplicate line naming the winner. Closed afterwards if it
	// is an io.Closer.
	Ready   io.Writer
	LogPath string
}

// RunForeground serves file until ctx is done or the file is gone for good.
// If another live instance already serves the file its URL is reported and
// RunForeground returns nil.
func (s *Supervisor) RunForeground(ctx context.Context, file string, opts RunOptions) error {
	ln := opts.Listener
	path, err := validateFile(file)
	if err != nil {
		closeListener(ln)
		return err
	}

	if ln == nil {
		existing, err := s.registry.Lookup(path)
		switch {
		case err == nil:
			s.reportDuplicate(path, *existing, opts.Ready)
			return nil
		case !errors.Is(err, registry.ErrNotFound):
			return fmt.Errorf("lookup instance: %w", err)
		}
		ln, _, err = s.listen(opts.Port)
		if err != nil {
			return err
		}
	}

	port := ports.PortOf(ln)
	pid := s.processes.CurrentPID()
	inst := registry.Instance{
		FilePath:  path,
		Port:      port,
		PID:       pid,
		URL:       registry.URLForPort(port),
		LogPath:   opts.LogPath,
		StartedAt: time.Now(),
	}

	if err := s.registry.Register(inst); err != nil {
		ln.Close()
		var dup *registry.AlreadyRegisteredError
		if errors.As(err, &dup) {
			s.reportDuplicate(path, dup.Existing, opts.Ready)
			return nil
		}
		return fmt.Errorf("register instance: %w", err)
	}
	defer func() {
		if err := s.registry.UnregisterPID(path, pid); err != nil {
			s.logger.Warn("failed to unregister instance", zap.Error(err))
		}
	}()

	logger := s.logger.With(zap.String("file", path), zap.Int("port", port))

	w, err := watcher.New(path, watcher.Options{
		Debounce:    s.cfg.Debounce,
		DeleteGrace: s.cfg.DeleteGrace,
	}, logger)
	if err != nil {
		ln.Close()
		return err
	}

	server := httpserver.NewPreviewServer(httpserver.Options{
		FilePath:  path,
		Renderer:  render.NewRenderer(s.cfg.CodeTheme),
		Keepalive: s.cfg.Keepalive,
		PID:       pid,
		StartedAt: inst.StartedAt,
		Logger:    logger,
	})
	live := app.NewLivePreview(w, server, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Attach before announcing so no edit after "ready" is missed.
	if err := live.Start(runCtx); err != nil {
		ln.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()

	watchErr := make(chan error, 1)
	go func() { watchErr <- live.Run(runCtx) }()

	announce(opts.Ready, readyLine)
	logger.Info("instance started", zap.Int("pid", pid))
	s.printf("Serving %s at %s\n", path, inst.URL)
	if s.shouldOpen(opts.NoOpen) {
		s.openBrowser(inst.URL)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-watchErr:
		watchErr <- err
		if err != nil {
			runErr = fmt.Errorf("stopped watching %s: %w", path, err)
		}
	case err := <-serveErr:
		serveErr <- err
		if err != nil {
			runErr = fmt.Errorf("serve %s: %w", path, err)
		}
	}
	if runErr != nil {
		logger.Error("instance stopping", zap.Error(runErr))
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("preview server shutdown", zap.Error(err))
	}
	<-watchErr
	<-serveErr
	return runErr
}

func (s *Supervisor) reportDuplicate(path string, existing registry.Instance, ready io.Writer) {
	announce(ready, duplicateLine+" "+existing.URL)
	s.printf("Already serving %s at %s\n", path, existing.URL)
	s.printf("PID: %d\n", existing.PID)
}

func announce(w io.Writer, line string) {
	if w == nil {
		return
	}
	_, _ = io.WriteString(w, line+"\n")
	if c, ok := w.(io.Closer); ok {
		_ = c.Close()
	}
}

func closeListener(ln net.Listener) {
	if ln != nil {
		_ = ln.Close()
	}
}
