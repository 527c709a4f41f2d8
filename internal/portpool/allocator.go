// Package portpool hands out and reclaims loopback TCP ports for child
// WebDriver processes.
package portpool

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Allocator tracks ports currently leased to ChildDrivers. It never hands
// out a port already leased to another live session; releases are
// idempotent.
type Allocator struct {
	logger *slog.Logger

	mu       sync.Mutex
	leased   map[int]struct{}
	leaseSeq uint64
}

// New creates a port allocator.
func New(logger *slog.Logger) *Allocator {
	return &Allocator{
		logger: logger.With("subsystem", "portpool"),
		leased: make(map[int]struct{}),
	}
}

// Acquire binds a TCP socket to 127.0.0.1:0, reads back the kernel-assigned
// port, closes the listener, and hands the port number out. The window
// between close and the child's own bind is accepted — the ChildDriver
// readiness probe covers startup failure.
//
// A kernel-assigned port that is already leased is skipped and the probe
// repeated, up to maxAcquireAttempts times. Fails with an error if the OS
// refuses an ephemeral bind or every attempt returns a leased port.
func (a *Allocator) Acquire() (int, error) {
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("no port available: %w", err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		if err := l.Close(); err != nil {
			return 0, fmt.Errorf("releasing probe listener for port %d: %w", port, err)
		}

		a.mu.Lock()
		if _, taken := a.leased[port]; taken {
			a.mu.Unlock()
			continue
		}
		a.leased[port] = struct{}{}
		a.leaseSeq++
		seq := a.leaseSeq
		count := len(a.leased)
		a.mu.Unlock()

		a.logger.Debug("port leased", "port", port, "leased", count, "lease_seq", seq)
		return port, nil
	}
	return 0, fmt.Errorf("no port available: %d probes returned only leased ports", maxAcquireAttempts)
}

// maxAcquireAttempts bounds how many kernel-assigned ports Acquire probes
// before giving up.
const maxAcquireAttempts = 16

// Release marks a port free. Safe to call more than once for the same port.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.leased, port)
	count := len(a.leased)
	a.mu.Unlock()

	a.logger.Debug("port released", "port", port, "leased", count)
}

// LeasedCount returns the number of ports currently leased out.
func (a *Allocator) LeasedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}
