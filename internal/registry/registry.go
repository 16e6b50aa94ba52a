// Package registry is the cross-process record of running preview instances.
//
// The store is a JSON file shared by every mdview invocation. Each
// read-modify-write happens under an exclusive flock on a sidecar lock file,
// and writes go through a temp file + rename so readers never see a partial
// document.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"mdview/internal/process"
)

const (
	storeVersion       = 1
	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 20 * time.Millisecond

	// A process created this long after the instance was registered cannot be
	// the one that registered it; its PID was reused.
	pidReuseSlack = 2 * time.Second
)

var (
	// ErrNotFound is returned when no live instance exists for a path.
	ErrNotFound = errors.New("instance not found")
	// ErrAlreadyRegistered is returned when a live instance already serves the path.
	ErrAlreadyRegistered = errors.New("instance already registered")
)

// AlreadyRegisteredError carries the instance that won the registration.
type AlreadyRegisteredError struct {
	Existing Instance
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("%s is already served at %s (pid %d)", e.Existing.FilePath, e.Existing.URL, e.Existing.PID)
}

// Is lets errors.Is(err, ErrAlreadyRegistered) match.
func (e *AlreadyRegisteredError) Is(target error) bool {
	return target == ErrAlreadyRegistered
}

// Instance is one running preview daemon.
type Instance struct {
	FilePath  string    `json:"file_path"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	URL       string    `json:"url"`
	LogPath   string    `json:"log_path,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Uptime returns how long the instance has been running.
func (i Instance) Uptime(now time.Time) time.Duration {
	return now.Sub(i.StartedAt)
}

// URLForPort returns the preview URL for a port.
func URLForPort(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

type storeFile struct {
	Version   int                 `json:"version"`
	Instances map[string]Instance `json:"instances"`
}

// FileRegistry implements the instance registry on top of a JSON file.
type FileRegistry struct {
	path           string
	processManager process.Manager
	logger         *zap.Logger
	lockTimeout    time.Duration
}

// New creates a registry stored at path.
func New(path string, pm process.Manager, logger *zap.Logger) *FileRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileRegistry{
		path:           path,
		processManager: pm,
		logger:         logger,
		lockTimeout:    defaultLockTimeout,
	}
}

// Path returns the store file location.
func (r *FileRegistry) Path() string {
	return r.path
}

// Lookup returns the live instance serving path. Stale entries are reclaimed
// and reported as ErrNotFound.
func (r *FileRegistry) Lookup(path string) (*Instance, error) {
	key, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}

	var found *Instance
	err = r.update(func(s *storeFile) (bool, error) {
		inst, ok := s.Instances[key]
		if !ok {
			return false, nil
		}
		if !r.isAlive(inst) {
			r.logger.Info("reclaimed stale instance",
				zap.String("file", key), zap.Int("pid", inst.PID))
			delete(s.Instances, key)
			return true, nil
		}
		found = &inst
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return found, nil
}

// Register records inst. The liveness check and the insert happen under one
// lock, so of several racing registrations for the same file exactly one wins.
func (r *FileRegistry) Register(inst Instance) error {
	key, err := Canonicalize(inst.FilePath)
	if err != nil {
		return err
	}
	inst.FilePath = key
	if inst.URL == "" {
		inst.URL = URLForPort(inst.Port)
	}
	if inst.StartedAt.IsZero() {
		inst.StartedAt = time.Now()
	}

	return r.update(func(s *storeFile) (bool, error) {
		if existing, ok := s.Instances[key]; ok {
			if r.isAlive(existing) {
				return false, &AlreadyRegisteredError{Existing: existing}
			}
			r.logger.Info("replacing stale instance",
				zap.String("file", key), zap.Int("pid", existing.PID))
		}
		s.Instances[key] = inst
		return true, nil
	})
}

// Unregister removes the entry for path. Removing an absent entry is not an error.
func (r *FileRegistry) Unregister(path string) error {
	return r.unregister(path, 0)
}

// UnregisterPID removes the entry for path only if it still belongs to pid.
func (r *FileRegistry) UnregisterPID(path string, pid int) error {
	return r.unregister(path, pid)
}

func (r *FileRegistry) unregister(path string, pid int) error {
	key, err := Canonicalize(path)
	if err != nil {
		return err
	}
	return r.update(func(s *storeFile) (bool, error) {
		inst, ok := s.Instances[key]
		if !ok {
			return false, nil
		}
		if pid != 0 && inst.PID != pid {
			return false, nil
		}
		delete(s.Instances, key)
		return true, nil
	})
}

// List returns every live instance ordered by start time. Stale entries are pruned.
func (r *FileRegistry) List() ([]Instance, error) {
	var out []Instance
	err := r.update(func(s *storeFile) (bool, error) {
		dirty := r.prune(s)
		for _, inst := range s.Instances {
			out = append(out, inst)
		}
		return dirty, nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].FilePath < out[j].FilePath
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// prune drops entries whose process is gone and reports whether anything changed.
func (r *FileRegistry) prune(s *storeFile) bool {
	dirty := false
	for key, inst := range s.Instances {
		if r.isAlive(inst) {
			continue
		}
		r.logger.Info("reclaimed stale instance",
			zap.String("file", key), zap.Int("pid", inst.PID))
		delete(s.Instances, key)
		dirty = true
	}
	return dirty
}

func (r *FileRegistry) isAlive(inst Instance) bool {
	if !r.processManager.IsRunning(inst.PID) {
		return false
	}
	created, err := r.processManager.CreateTime(inst.PID)
	if err != nil || created.IsZero() || inst.StartedAt.IsZero() {
		return true
	}
	return !created.After(inst.StartedAt.Add(pidReuseSlack))
}

// update runs fn on the current store contents while holding the lock and
// persists the store when fn reports a change.
func (r *FileRegistry) update(fn func(s *storeFile) (bool, error)) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	lock := flock.New(r.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), r.lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("failed to acquire registry lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	s, err := r.load()
	if err != nil {
		return err
	}

	dirty, err := fn(s)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return r.atomicWrite(s)
}

// load reads the store. A missing file is an empty store; an unparseable one
// is backed up and treated as empty.
func (r *FileRegistry) load() (*storeFile, error) {
	empty := &storeFile{Version: storeVersion, Instances: make(map[string]Instance)}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return empty, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return empty, nil
	}

	var s storeFile
	if err := json.Unmarshal(data, &s); err != nil {
		backup := r.path + ".bak"
		_ = os.Rename(r.path, backup)
		r.logger.Warn("registry file was corrupted, starting empty",
			zap.String("path", r.path),
			zap.String("backup", backup),
			zap.Error(err))
		return empty, nil
	}
	if s.Instances == nil {
		s.Instances = make(map[string]Instance)
	}
	s.Version = storeVersion
	return &s, nil
}

// atomicWrite writes the store to a temp file and renames it into place.
func (r *FileRegistry) atomicWrite(s *storeFile) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}
