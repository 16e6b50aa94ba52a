//go:build !windows

package daemon

import "syscall"

func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true, // new session, detached from the terminal
	}
}
