// Package port provides TCP port allocation for locally managed
// inference servers. Candidate ports are checked against the server
// registry and against the OS, because either source alone can lag
// reality: a crashed server may leave a stale registry row, and an
// unrelated process may squat a port the registry believes is free.
package port

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/herdsman-project/herdsman/internal/registry"
)

// ErrNoPortAvailable is returned when every port in the configured range
// is held by an active record or bound at the OS level.
var ErrNoPortAvailable = fmt.Errorf("no port available in configured range")

// Allocator hands out ports from an inclusive reserved range. The
// allocate-then-insert sequence runs under a single lock so two
// concurrent start requests cannot race onto the same socket.
type Allocator struct {
	mu         sync.Mutex
	reg        registry.Registry
	rangeStart int
	rangeEnd   int
}

// NewAllocator creates an allocator over [rangeStart, rangeEnd]. An
// invalid range is a configuration error, not a runtime one.
func NewAllocator(reg registry.Registry, rangeStart, rangeEnd int) (*Allocator, error) {
	if rangeStart <= 0 || rangeEnd > 65535 || rangeStart > rangeEnd {
		return nil, fmt.Errorf("invalid port range [%d, %d]", rangeStart, rangeEnd)
	}
	return &Allocator{reg: reg, rangeStart: rangeStart, rangeEnd: rangeEnd}, nil
}

// Allocate returns the first free port in the range for the owner scope.
// The result is only advisory unless the caller also inserts a record
// under the same lock; prefer AllocateAndInsert for that.
func (a *Allocator) Allocate(ctx context.Context, owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(ctx, owner)
}

// AllocateAndInsert allocates a port and inserts the record built from it
// as one critical section. build receives the chosen port and must return
// the record to persist; an error from build aborts the allocation.
func (a *Allocator) AllocateAndInsert(ctx context.Context, owner string, build func(port int) (*registry.ServerRecord, error)) (*registry.ServerRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.allocateLocked(ctx, owner)
	if err != nil {
		return nil, err
	}
	rec, err := build(p)
	if err != nil {
		return nil, err
	}
	if err := a.reg.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to reserve port %d: %w", p, err)
	}
	return rec, nil
}

func (a *Allocator) allocateLocked(ctx context.Context, owner string) (int, error) {
	held, err := a.heldPorts(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to query held ports: %w", err)
	}

	for p := a.rangeStart; p <= a.rangeEnd; p++ {
		if held[p] {
			continue
		}
		if !osPortFree(p) {
			continue
		}
		return p, nil
	}
	return 0, ErrNoPortAvailable
}

// heldPorts collects ports of starting and running records in the owner
// scope. Starting records count as held: their server is binding the
// socket right now even though health has not resolved yet.
func (a *Allocator) heldPorts(ctx context.Context, owner string) (map[int]bool, error) {
	held := make(map[int]bool)
	for _, status := range []registry.Status{registry.StatusStarting, registry.StatusRunning} {
		records, err := a.reg.ListByStatus(ctx, status, owner)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Port != 0 {
				held[rec.Port] = true
			}
		}
	}
	return held, nil
}

// osPortFree confirms availability by binding a throwaway listener on
// loopback and releasing it immediately.
func osPortFree(p int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
