package daemon

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
)

// Descriptors a background child finds its inherited files on.
// ExtraFiles[i] becomes fd 3+i.
const (
	ListenerFD = 3
	ReadyFD    = 4
)

// LaunchRequest describes a background instance to spawn.
type LaunchRequest struct {
	File     string
	Port     int
	Listener net.Listener // ownership passes to the launcher
	Log      *os.File     // child stdout and stderr
	LogPath  string
}

// Child is a spawned background instance.
type Child struct {
	PID int
	// Readiness carries the child's single readiness line.
	Readiness io.ReadCloser
}

// Launcher starts background instances.
type Launcher interface {
	Launch(req LaunchRequest) (*Child, error)
}

// ExecLauncher re-executes the current binary with the hidden daemon command.
type ExecLauncher struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args are placed before the daemon command, e.g. global flags.
	Args []string
}

func (l *ExecLauncher) Launch(req LaunchRequest) (*Child, error) {
	defer req.Listener.Close()

	exe := l.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to get executable path: %w", err)
		}
	}

	tcp, ok := req.Listener.(*net.TCPListener)
	if !ok {
		return nil, errors.New("listener cannot be inherited")
	}
	lnFile, err := tcp.File()
	if err != nil {
		return nil, fmt.Errorf("dup listener: %w", err)
	}
	defer lnFile.Close()

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("readiness pipe: %w", err)
	}
	defer readyW.Close()

	args := append(append([]string{}, l.Args...),
		"daemon",
		"--file", req.File,
		"--port", strconv.Itoa(req.Port),
		"--log-path", req.LogPath,
	)
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = detachedProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = req.Log
	cmd.Stderr = req.Log
	cmd.ExtraFiles = []*os.File{lnFile, readyW}

	if err := cmd.Start(); err != nil {
		readyR.Close()
		return nil, fmt.Errorf("start daemon: %w", err)
	}
	// Reap the child if it exits while we are still waiting on it.
	go func() { _ = cmd.Wait() }()

	return &Child{PID: cmd.Process.Pid, Readiness: readyR}, nil
}

// InheritedListener returns the listener a background child was started with.
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(uintptr(ListenerFD), "listener")
	if f == nil {
		return nil, errors.New("no inherited listener")
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherited listener: %w", err)
	}
	return ln, nil
}

// InheritedReadyPipe returns the write end of the readiness pipe.
func InheritedReadyPipe() *os.File {
	return os.NewFile(uintptr(ReadyFD), "ready")
}
