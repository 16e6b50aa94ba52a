// Package daemon runs preview instances in the foreground or as detached
// background processes, and lists or stops the instances recorded in the
// registry.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"go.uber.org/zap"

	"mdview/internal/browser"
	"mdview/internal/config"
	"mdview/internal/ports"
	"mdview/internal/process"
	"mdview/internal/registry"
)

var (
	// ErrNotRunning is returned by Stop when no live instance serves the file.
	ErrNotRunning = errors.New("no running instance")
	// ErrStartupFailed means a background instance never confirmed it was serving.
	ErrStartupFailed = errors.New("background instance failed to start")
	// ErrInvalidFile is returned for paths that are missing or not regular files.
	ErrInvalidFile = errors.New("invalid file")
)

// Registry is the subset of the instance registry the supervisor uses.
type Registry interface {
	Lookup(path string) (*registry.Instance, error)
	Register(inst registry.Instance) error
	UnregisterPID(path string, pid int) error
	List() ([]registry.Instance, error)
}

// Deps wires a Supervisor.
type Deps struct {
	Config    *config.Config
	Registry  Registry
	Processes process.Manager
	Browser   browser.Opener
	Launcher  Launcher
	LogsDir   string
	Out       io.Writer // user-facing messages
	Logger    *zap.Logger
}

// Supervisor owns instance lifecycle.
type Supervisor struct {
	cfg       *config.Config
	registry  Registry
	processes process.Manager
	browser   browser.Opener
	launcher  Launcher
	logsDir   string
	out       io.Writer
	logger    *zap.Logger
}

// New creates a Supervisor. Nil collaborators get usable defaults except
// Registry, which is required.
func New(deps Deps) *Supervisor {
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Processes == nil {
		deps.Processes = process.NewManager()
	}
	if deps.Browser == nil {
		deps.Browser = browser.NewSystem()
	}
	if deps.Launcher == nil {
		deps.Launcher = &ExecLauncher{}
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:       deps.Config,
		registry:  deps.Registry,
		processes: deps.Processes,
		browser:   deps.Browser,
		launcher:  deps.Launcher,
		logsDir:   deps.LogsDir,
		out:       deps.Out,
		logger:    deps.Logger,
	}
}

// validateFile canonicalizes file and checks that it is a readable regular file.
func validateFile(file string) (string, error) {
	path, err := registry.Canonicalize(file)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s not found", ErrInvalidFile, file)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a file", ErrInvalidFile, file)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	f.Close()
	return path, nil
}

// listen binds the requested port, or the first free one from the configured
// range when port is 0.
func (s *Supervisor) listen(port int) (net.Listener, int, error) {
	if port > 0 {
		return ports.Allocate(s.cfg.Host, port, 1)
	}
	return ports.Allocate(s.cfg.Host, s.cfg.BasePort, s.cfg.PortAttempts)
}

func (s *Supervisor) shouldOpen(noOpen bool) bool {
	return !noOpen && s.cfg.ShouldOpenBrowser()
}

func (s *Supervisor) openBrowser(url string) {
	if err := s.browser.Open(url); err != nil {
		s.logger.Warn("could not open browser", zap.String("url", url), zap.Error(err))
		fmt.Fprintf(s.out, "Open %s in your browser\n", url)
	}
}

func (s *Supervisor) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}
