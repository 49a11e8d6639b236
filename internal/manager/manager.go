// Package manager orchestrates the lifecycle of inference servers:
// start, health resolution, stop, and reconciliation of stale records.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/herdsman-project/herdsman/internal/convert"
	"github.com/herdsman-project/herdsman/internal/engine"
	"github.com/herdsman-project/herdsman/internal/health"
	"github.com/herdsman-project/herdsman/internal/metrics"
	"github.com/herdsman-project/herdsman/internal/port"
	"github.com/herdsman-project/herdsman/internal/process"
	"github.com/herdsman-project/herdsman/internal/registry"
)

var (
	// ErrSpawnFailure means the engine process could not be launched.
	ErrSpawnFailure = fmt.Errorf("failed to spawn server process")
	// ErrKillFailure means a server process survived forced termination.
	ErrKillFailure = fmt.Errorf("failed to kill server process")
)

// killGroup is swapped out in tests to simulate kill failures.
var killGroup = process.KillGroup

// Options tunes the manager. Zero values fall back to defaults.
type Options struct {
	VLLMBinary   string
	SimpleBinary string
	// LogDir, when set, receives one rotating log file per spawned
	// server.
	LogDir string

	// External switches spawning off entirely: start requests record a
	// reference to ExternalBaseURL instead of launching a process.
	External        bool
	ExternalBaseURL string
}

func (o *Options) applyDefaults() {
	if o.VLLMBinary == "" {
		o.VLLMBinary = "vllm"
	}
	if o.SimpleBinary == "" {
		o.SimpleBinary = "llama-server"
	}
}

// StartRequest describes one server to bring up. The caller already
// knows the model path and desired engine.
type StartRequest struct {
	Owner         string
	Name          string
	ModelPath     string
	ModelName     string
	TrainingJobID string
	Engine        registry.EngineType

	GPUMemoryFraction float64
	Quantization      string
	EnableToolCalling bool
	ToolCallParser    string

	// Simple engine tuning.
	CtxSize int
	Threads int
}

// Manager is the single entry point for server lifecycle operations.
// Safe for concurrent use.
type Manager struct {
	reg     registry.Registry
	table   *process.Table
	backend ServerBackend
}

func New(reg registry.Registry, alloc *port.Allocator, conv *convert.Converter, daemon *engine.Daemon, monitor *health.Monitor, opts Options) *Manager {
	opts.applyDefaults()

	table := process.NewTable()
	var backend ServerBackend
	if opts.External {
		backend = &externalBackend{reg: reg, baseURL: opts.ExternalBaseURL}
	} else {
		backend = &localBackend{
			reg:     reg,
			alloc:   alloc,
			conv:    conv,
			daemon:  daemon,
			monitor: monitor,
			table:   table,
			opts:    opts,
		}
	}
	return &Manager{reg: reg, table: table, backend: backend}
}

// Table exposes the live process table for log streaming.
func (m *Manager) Table() *process.Table { return m.table }

// Start brings up a server and returns its record. For locally spawned
// engines the record is still "starting"; health resolves in the
// background and is observable through Get.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*registry.ServerRecord, error) {
	if !req.Engine.Valid() {
		return nil, fmt.Errorf("unknown engine type %q", req.Engine)
	}
	if req.ModelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	if req.ModelName == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}
	if req.Name == "" {
		req.Name = req.ModelName
	}
	return m.backend.Start(ctx, req)
}

// Stop terminates a server and marks its record stopped. Stopping an
// already stopped or errored record is a no-op success.
func (m *Manager) Stop(ctx context.Context, id, owner string) error {
	rec, err := m.reg.Get(ctx, id, owner)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	wasRunning := rec.Status == registry.StatusRunning

	// A kill failure does not fail the stop call: escalation was
	// attempted and the record still moves to stopped.
	if proc, ok := m.table.Get(id); ok {
		if err := proc.Stop(); err != nil {
			slog.Warn("failed to kill server process", "id", id, "pid", proc.PID(), "error", err)
		}
	} else if rec.ProcessID > 0 {
		// After a manager restart only the registry remembers the pid.
		// The fingerprint guards against a reused pid.
		if process.SameProcess(rec.ProcessID, rec.ProcessStartUnix) {
			if err := killGroup(rec.ProcessID); err != nil {
				slog.Warn("failed to kill server process", "id", id, "pid", rec.ProcessID, "error", err)
			}
		}
	}
	// ProcessID 0: ollama records ride the shared daemon and external
	// records are not ours to kill; only the record state changes.

	now := time.Now()
	stopped := registry.StatusStopped
	if err := m.reg.Update(ctx, id, registry.Update{
		Status:    &stopped,
		StoppedAt: &now,
	}); err != nil {
		// The process is confirmed dead; the registry is a mirror, not
		// the source of truth for liveness.
		slog.Warn("failed to persist stopped status", "id", id, "error", err)
	}

	metrics.IncStop(string(rec.EngineType))
	if wasRunning && rec.ProcessID > 0 {
		metrics.AddRunning(string(rec.EngineType), -1)
	}
	return nil
}

// Get returns a single record within the owner scope.
func (m *Manager) Get(ctx context.Context, id, owner string) (*registry.ServerRecord, error) {
	return m.reg.Get(ctx, id, owner)
}

// List returns the records with the given status in the owner scope.
func (m *Manager) List(ctx context.Context, status registry.Status, owner string) ([]*registry.ServerRecord, error) {
	return m.reg.ListByStatus(ctx, status, owner)
}

// Shutdown stops every locally tracked process and marks their records
// stopped. Called from the shutdown hook; record ids are enough here,
// owner scoping only matters for external callers.
func (m *Manager) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, proc := range m.table.List() {
		if err := proc.Stop(); err != nil {
			slog.Error("failed to stop server during shutdown", "id", proc.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %v", ErrKillFailure, err)
			}
			continue
		}

		now := time.Now()
		stopped := registry.StatusStopped
		if err := m.reg.Update(ctx, proc.ID, registry.Update{
			Status:    &stopped,
			StoppedAt: &now,
		}); err != nil {
			slog.Warn("failed to persist stopped status", "id", proc.ID, "error", err)
		}
	}
	return firstErr
}
