package daemon

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mdview/internal/process"
	"mdview/internal/registry"
)

// StopReport describes one stopped instance.
type StopReport struct {
	Instance registry.Instance
	Result   process.StopResult
}

// List returns every live instance. Stale entries are pruned on the way.
func (s *Supervisor) List() ([]registry.Instance, error) {
	return s.registry.List()
}

// Stop terminates the instance serving file. It returns ErrNotRunning, and
// leaves the registry alone, when there is none.
func (s *Supervisor) Stop(file string) (*StopReport, error) {
	path, err := registry.Canonicalize(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	inst, err := s.registry.Lookup(path)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w for %s", ErrNotRunning, path)
		}
		return nil, err
	}
	return s.stopInstance(*inst)
}

// StopAll stops every live instance. It keeps going past failures and
// returns them joined.
func (s *Supervisor) StopAll() ([]StopReport, error) {
	instances, err := s.registry.List()
	if err != nil {
		return nil, err
	}

	var (
		reports []StopReport
		errs    []error
	)
	for _, inst := range instances {
		report, err := s.stopInstance(inst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, *report)
	}
	return reports, errors.Join(errs...)
}

func (s *Supervisor) stopInstance(inst registry.Instance) (*StopReport, error) {
	logger := s.logger.With(zap.String("file", inst.FilePath), zap.Int("pid", inst.PID))

	result, err := process.Stop(s.processes, inst.PID, s.cfg.StopGrace)
	if err != nil {
		return nil, fmt.Errorf("stop pid %d: %w", inst.PID, err)
	}
	if result == process.Killed {
		logger.Warn("instance ignored SIGTERM, killed", zap.Duration("grace", s.cfg.StopGrace))
	}

	// The instance normally removes itself on exit; this covers a kill.
	if err := s.registry.UnregisterPID(inst.FilePath, inst.PID); err != nil {
		return nil, fmt.Errorf("unregister %s: %w", inst.FilePath, err)
	}
	logger.Info("instance stopped")
	return &StopReport{Instance: inst, Result: result}, nil
}
