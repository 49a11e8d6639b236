package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/herdsman-project/herdsman/internal/metrics"
	"github.com/herdsman-project/herdsman/internal/process"
	"github.com/herdsman-project/herdsman/internal/registry"
)

// Reconcile audits every running record against live OS state and marks
// stale ones stopped. It runs once at startup, when the in-memory
// process table has been lost and the registry is the only memory of
// what was running, and may be invoked on demand afterwards. Returns
// the number of records corrected.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	records, err := m.reg.ListAllByStatus(ctx, registry.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running records: %w", err)
	}

	corrected := 0
	for _, rec := range records {
		if _, tracked := m.table.Get(rec.ID); tracked {
			// Spawned by this manager instance; the exit watcher owns it.
			continue
		}

		reason := staleReason(rec)
		if reason == "" {
			continue
		}

		slog.Info("reconciling stale server record", "id", rec.ID, "pid", rec.ProcessID, "reason", reason)
		now := time.Now()
		stopped := registry.StatusStopped
		if err := m.reg.Update(ctx, rec.ID, registry.Update{
			Status:    &stopped,
			StoppedAt: &now,
		}); err != nil {
			slog.Warn("failed to persist reconciled status", "id", rec.ID, "error", err)
			continue
		}
		metrics.IncZombieReaped()
		corrected++
	}
	return corrected, nil
}

// staleReason decides whether a running record no longer corresponds to
// a live local process. Empty means the record is fine.
func staleReason(rec *registry.ServerRecord) string {
	if rec.ProcessID == 0 {
		// Never truly local. Conservative for ollama and external
		// records, but a stopped record is cheap to recreate and a
		// phantom running one is not.
		return "running record without a process id"
	}
	if !process.Alive(rec.ProcessID) {
		return "process no longer exists"
	}
	if !process.SameProcess(rec.ProcessID, rec.ProcessStartUnix) {
		return "pid was reused by another process"
	}
	return ""
}
