// Package ports finds a free local TCP port by probing upward from a base port.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoPortAvailable is returned when every port in the probed range is taken.
var ErrNoPortAvailable = errors.New("no port available")

// Allocate binds host:base, host:base+1, ... for up to attempts ports and
// returns the first listener that succeeds together with its port.
// The listener stays open so the port cannot be taken between check and use.
// A base of 0 asks the kernel for any free port.
func Allocate(host string, base, attempts int) (net.Listener, int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	last := base + attempts - 1
	if last > 65535 {
		last = 65535
	}

	for port := base; port <= last; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, PortOf(ln), nil
		}
	}

	return nil, 0, fmt.Errorf("%w in range %d-%d", ErrNoPortAvailable, base, last)
}

// PortOf returns the TCP port a listener is bound to.
func PortOf(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
