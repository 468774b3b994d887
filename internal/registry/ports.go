// ABOUTME: Port allocation for worker processes
// ABOUTME: Tracks reserved ports and verifies availability by binding

package registry

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoPortsAvailable indicates the allocator's range is exhausted.
var ErrNoPortsAvailable = errors.New("no ports available in range")

// ErrPortTaken indicates the requested port is reserved or in use.
var ErrPortTaken = errors.New("port already taken")

// PortAllocator hands out TCP ports from a fixed range. A port is verified
// free by binding it before it is handed out.
type PortAllocator struct {
	mu       sync.Mutex
	start    int
	end      int
	next     int
	reserved map[int]bool
}

// NewPortAllocator creates an allocator over [start, end] inclusive.
func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{
		start:    start,
		end:      end,
		next:     start,
		reserved: make(map[int]bool),
	}
}

// Allocate reserves the next free port in the range. The scan wraps around
// so released ports are eventually reused.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	for i := 0; i < size; i++ {
		port := a.start + (a.next-a.start+i)%size
		if a.reserved[port] {
			continue
		}
		if !portFree(port) {
			continue
		}
		a.reserved[port] = true
		a.next = port + 1
		if a.next > a.end {
			a.next = a.start
		}
		return port, nil
	}

	return 0, ErrNoPortsAvailable
}

// Reserve claims a specific port, for services registered with an explicit
// port. Returns ErrPortTaken if it is reserved or in use by another process.
func (a *PortAllocator) Reserve(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reserved[port] {
		return fmt.Errorf("reserving port %d: %w", port, ErrPortTaken)
	}
	if !portFree(port) {
		return fmt.Errorf("reserving port %d: %w", port, ErrPortTaken)
	}
	a.reserved[port] = true
	return nil
}

// Release returns a port to the pool. Releasing an unreserved port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// portFree checks availability by attempting a bind.
func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
