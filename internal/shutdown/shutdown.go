// Package shutdown coordinates graceful teardown: registered hooks run
// in priority order when a termination signal arrives.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Hook is a function invoked during shutdown.
type Hook func(ctx context.Context) error

// Priority defines hook execution order; lower runs first.
type Priority int

const (
	// PriorityCritical hooks run first (stop accepting new requests).
	PriorityCritical Priority = 0
	// PriorityHigh hooks run second (stop server processes).
	PriorityHigh Priority = 1
	// PriorityNormal hooks run third (close storage).
	PriorityNormal Priority = 2
	// PriorityLow hooks run last (flush logs).
	PriorityLow Priority = 3
)

type registeredHook struct {
	name     string
	hook     Hook
	priority Priority
}

// Manager listens for termination signals and runs hooks in order.
type Manager struct {
	mu          sync.Mutex
	hooks       []registeredHook
	timeout     time.Duration
	sigChan     chan os.Signal
	stopChan    chan struct{}
	shutdownCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	shutdown    bool
}

// NewManager creates a shutdown manager. timeout bounds each hook.
func NewManager(timeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		timeout:     timeout,
		sigChan:     make(chan os.Signal, 1),
		stopChan:    make(chan struct{}, 1),
		shutdownCtx: ctx,
		cancel:      cancel,
	}
}

// Register adds a hook under the given name and priority.
func (m *Manager) Register(name string, hook Hook, priority Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, registeredHook{name: name, hook: hook, priority: priority})
	slog.Debug("registered shutdown hook", "name", name, "priority", int(priority))
}

// Start begins listening for termination signals.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	m.wg.Add(1)
	go m.waitForShutdown()
}

func (m *Manager) waitForShutdown() {
	defer m.wg.Done()

	select {
	case sig := <-m.sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
	case <-m.stopChan:
		slog.Info("shutdown requested")
	}
	m.performShutdown()
}

func (m *Manager) performShutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	hooks := make([]registeredHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].priority < hooks[j].priority
	})

	for _, h := range hooks {
		m.runHook(h)
	}

	slog.Info("graceful shutdown complete")
	m.cancel()
}

func (m *Manager) runHook(h registeredHook) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.hook(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("shutdown hook failed", "name", h.name, "error", err)
			return
		}
		slog.Info("shutdown hook finished", "name", h.name)
	case <-ctx.Done():
		slog.Error("shutdown hook timed out", "name", h.name, "timeout", m.timeout)
	}
}

// Stop triggers graceful shutdown programmatically.
func (m *Manager) Stop() {
	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

// Done is closed when shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownCtx.Done()
}

// Wait blocks until the signal listener has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}
