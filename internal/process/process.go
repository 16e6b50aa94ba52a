// Package process inspects and signals OS processes via gopsutil.
package process

import (
	"errors"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Manager handles OS process operations.
type Manager interface {
	// IsRunning checks if a PID exists and is not a zombie.
	IsRunning(pid int) bool

	// CreateTime returns when the process was started.
	CreateTime(pid int) (time.Time, error)

	// Terminate asks the process to exit (SIGTERM).
	Terminate(pid int) error

	// Kill force-terminates the process (SIGKILL).
	Kill(pid int) error

	// CurrentPID returns the current process PID.
	CurrentPID() int
}

// ErrNoProcess is returned when the PID does not exist.
var ErrNoProcess = errors.New("no such process")

// GopsutilManager implements Manager using gopsutil.
type GopsutilManager struct{}

// NewManager creates a new process manager.
func NewManager() Manager {
	return &GopsutilManager{}
}

func (m *GopsutilManager) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	// An exited child nobody reaped yet still has a PID.
	if status, err := p.Status(); err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false
			}
		}
	}
	return true
}

func (m *GopsutilManager) CreateTime(pid int) (time.Time, error) {
	p, err := m.lookup(pid)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := p.CreateTime()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (m *GopsutilManager) Terminate(pid int) error {
	p, err := m.lookup(pid)
	if err != nil {
		return err
	}
	return p.Terminate()
}

func (m *GopsutilManager) Kill(pid int) error {
	p, err := m.lookup(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func (m *GopsutilManager) CurrentPID() int {
	return os.Getpid()
}

func (m *GopsutilManager) lookup(pid int) (*process.Process, error) {
	if pid <= 0 {
		return nil, ErrNoProcess
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, ErrNoProcess
		}
		return nil, err
	}
	return p, nil
}

// Ensure GopsutilManager implements Manager.
var _ Manager = (*GopsutilManager)(nil)

// StopResult describes how a process went away.
type StopResult int

const (
	// AlreadyGone means the process was not running when Stop was called.
	AlreadyGone StopResult = iota
	// Terminated means the process exited within the grace period.
	Terminated
	// Killed means the process had to be force-terminated.
	Killed
)

// Stop sends SIGTERM, waits up to grace for the process to exit and then
// escalates to SIGKILL.
func Stop(m Manager, pid int, grace time.Duration) (StopResult, error) {
	if !m.IsRunning(pid) {
		return AlreadyGone, nil
	}
	if err := m.Terminate(pid); err != nil {
		if errors.Is(err, ErrNoProcess) || !m.IsRunning(pid) {
			return AlreadyGone, nil
		}
		return AlreadyGone, err
	}

	if waitExit(m, pid, grace) {
		return Terminated, nil
	}

	if err := m.Kill(pid); err != nil && m.IsRunning(pid) {
		return Killed, err
	}
	waitExit(m, pid, grace)
	return Killed, nil
}

func waitExit(m Manager, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !m.IsRunning(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
