package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"mdview/internal/process"
	"mdview/internal/registry"
)

// ServeOptions tunes Serve.
type ServeOptions struct {
	Port   int
	NoOpen bool
}

// Started describes the outcome of Serve.
type Started struct {
	URL       string
	PID       int
	LogPath   string
	Duplicate bool // another instance already served the file
}

// Serve starts a detached background instance for file and returns once it
// confirmed it is serving. If an instance already serves the file, its URL is
// reported instead.
func (s *Supervisor) Serve(ctx context.Context, file string, opts ServeOptions) (*Started, error) {
	path, err := validateFile(file)
	if err != nil {
		return nil, err
	}

	existing, err := s.registry.Lookup(path)
	switch {
	case err == nil:
		s.reportDuplicate(path, *existing, nil)
		return &Started{URL: existing.URL, PID: existing.PID, LogPath: existing.LogPath, Duplicate: true}, nil
	case !errors.Is(err, registry.ErrNotFound):
		return nil, fmt.Errorf("lookup instance: %w", err)
	}

	ln, port, err := s.listen(opts.Port)
	if err != nil {
		return nil, err
	}
	url := registry.URLForPort(port)

	logPath := registry.LogPath(s.logsDir, path, port)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		ln.Close()
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	s.printf("Starting mdview daemon for %s\n", filepath.Base(path))

	child, err := s.launcher.Launch(LaunchRequest{
		File:     path,
		Port:     port,
		Listener: ln,
		Log:      logFile,
		LogPath:  logPath,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	defer child.Readiness.Close()

	logger := s.logger.With(zap.String("file", path), zap.Int("port", port), zap.Int("pid", child.PID))

	line, err := waitReady(ctx, child.Readiness, s.cfg.StartupTimeout)
	switch {
	case err == nil && line == readyLine:
		logger.Info("background instance ready")
		s.printf("URL: %s\n", url)
		s.printf("PID: %d\n", child.PID)
		s.printf("Log: %s\n", logPath)
		if s.shouldOpen(opts.NoOpen) {
			s.openBrowser(url)
		}
		return &Started{URL: url, PID: child.PID, LogPath: logPath}, nil

	case err == nil && strings.HasPrefix(line, duplicateLine+" "):
		// Lost a race with another serve for the same file; the child exits on its own.
		existing := strings.TrimPrefix(line, duplicateLine+" ")
		logger.Info("another instance won registration", zap.String("url", existing))
		s.printf("Already serving %s at %s\n", path, existing)
		return &Started{URL: existing, Duplicate: true}, nil
	}

	if err == nil {
		err = fmt.Errorf("unexpected readiness line %q", line)
	}
	logger.Warn("background instance did not start", zap.Error(err))
	if _, stopErr := process.Stop(s.processes, child.PID, s.cfg.StopGrace); stopErr != nil {
		logger.Warn("failed to stop background instance", zap.Error(stopErr))
	}
	return nil, fmt.Errorf("%w: %v (see %s)", ErrStartupFailed, err, logPath)
}

// waitReady reads the first line from r, giving up after timeout.
func waitReady(ctx context.Context, r io.Reader, timeout time.Duration) (string, error) {
	type result struct {
		line string
		err  error
	}
	lines := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		line = strings.TrimSpace(line)
		if err == io.EOF && line != "" {
			err = nil
		}
		if err == io.EOF {
			err = fmt.Errorf("instance exited before becoming ready")
		}
		lines <- result{line: line, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-lines:
		return res.line, res.err
	case <-timer.C:
		return "", fmt.Errorf("no readiness signal within %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
