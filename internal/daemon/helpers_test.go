package daemon

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mdview/internal/browser"
	"mdview/internal/config"
	"mdview/internal/registry"
)

// processTable is the fake OS shared by every fakeProcesses view.
type processTable struct {
	mu         sync.Mutex
	running    map[int]bool
	terminated []int
}

func newProcessTable() *processTable {
	return &processTable{running: make(map[int]bool)}
}

func (t *processTable) IsRunning(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running[pid]
}

func (t *processTable) CreateTime(pid int) (time.Time, error) { return time.Time{}, nil }

func (t *processTable) Terminate(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, pid)
	t.terminated = append(t.terminated, pid)
	return nil
}

func (t *processTable) Kill(pid int) error { return t.Terminate(pid) }

func (t *processTable) SetRunning(pid int, running bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[pid] = running
}

func (t *processTable) Terminated() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.terminated...)
}

// fakeProcesses is the process manager as seen from one pid.
type fakeProcesses struct {
	*processTable
	pid int
}

func (f fakeProcesses) CurrentPID() int { return f.pid }

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type browserRecorder struct {
	mu   sync.Mutex
	urls []string
}

func (r *browserRecorder) Opener() browser.Opener {
	return browser.OpenerFunc(func(url string) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.urls = append(r.urls, url)
		return nil
	})
}

func (r *browserRecorder) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

// env is a supervisor wired to a temp data dir and a fake process table.
type env struct {
	dir       string
	file      string
	cfg       *config.Config
	table     *processTable
	registry  *registry.FileRegistry
	out       *syncBuffer
	browser   *browserRecorder
	launcher  Launcher
	parentPID int
}

func newEnv(dir string) *env {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		panic(err)
	}
	file := filepath.Join(resolved, "notes.md")
	if err := os.WriteFile(file, []byte("# notes\n"), 0644); err != nil {
		panic(err)
	}

	cfg := config.Default()
	cfg.BasePort = 0 // let the kernel pick
	cfg.PortAttempts = 1
	cfg.Debounce = 30 * time.Millisecond
	cfg.DeleteGrace = 150 * time.Millisecond
	cfg.StartupTimeout = 300 * time.Millisecond
	cfg.StopGrace = 200 * time.Millisecond

	table := newProcessTable()
	e := &env{
		dir:       resolved,
		file:      file,
		cfg:       cfg,
		table:     table,
		out:       &syncBuffer{},
		browser:   &browserRecorder{},
		parentPID: 100,
	}
	table.SetRunning(e.parentPID, true)
	e.registry = registry.New(filepath.Join(resolved, "data", "instances.json"), e.processes(e.parentPID), nil)
	return e
}

func (e *env) processes(pid int) fakeProcesses {
	return fakeProcesses{processTable: e.table, pid: pid}
}

// supervisor builds a Supervisor acting as process pid.
func (e *env) supervisor(pid int) *Supervisor {
	return e.supervisorWith(pid, registry.New(e.registry.Path(), e.processes(pid), nil))
}

func (e *env) register(file string, pid, port int) registry.Instance {
	e.table.SetRunning(pid, true)
	inst := registry.Instance{FilePath: file, PID: pid, Port: port, StartedAt: time.Now()}
	if err := e.registry.Register(inst); err != nil {
		panic(err)
	}
	inst.URL = registry.URLForPort(port)
	return inst
}

// inProcessLauncher runs the "child" as a goroutine acting as pid.
type inProcessLauncher struct {
	env    *env
	pid    int
	ctx    context.Context
	done   chan error
	before func()
	calls  int
}

func (l *inProcessLauncher) Launch(req LaunchRequest) (*Child, error) {
	l.calls++
	if l.before != nil {
		l.before()
	}
	child := l.env.supervisor(l.pid)
	r, w := io.Pipe()
	go func() {
		l.done <- child.RunForeground(l.ctx, req.File, RunOptions{
			Listener: req.Listener,
			Ready:    w,
			NoOpen:   true,
			LogPath:  req.LogPath,
		})
	}()
	return &Child{PID: l.pid, Readiness: r}, nil
}

// silentLauncher spawns nothing that ever reports readiness.
type silentLauncher struct {
	env     *env
	pid     int
	hangUp  bool
	writers []*io.PipeWriter
}

func (l *silentLauncher) Launch(req LaunchRequest) (*Child, error) {
	req.Listener.Close()
	l.env.table.SetRunning(l.pid, true)
	r, w := io.Pipe()
	if l.hangUp {
		w.Close()
	} else {
		l.writers = append(l.writers, w)
	}
	return &Child{PID: l.pid, Readiness: r}, nil
}

// brokenRegistry fails every lookup with err.
type brokenRegistry struct {
	*registry.FileRegistry
	err error
}

func (r brokenRegistry) Lookup(string) (*registry.Instance, error) { return nil, r.err }

// supervisorWith builds a Supervisor for pid that reads instances from reg.
func (e *env) supervisorWith(pid int, reg Registry) *Supervisor {
	e.table.SetRunning(pid, true)
	return New(Deps{
		Config:    e.cfg,
		Registry:  reg,
		Processes: e.processes(pid),
		Browser:   e.browser.Opener(),
		Launcher:  e.launcher,
		LogsDir:   filepath.Join(e.dir, "data", "logs"),
		Out:       e.out,
	})
}
