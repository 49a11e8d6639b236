package manager

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdsman-project/herdsman/internal/process"
	"github.com/herdsman-project/herdsman/internal/registry"
)

func insertRunning(t *testing.T, reg registry.Registry, id string, pid int, startUnix int64) {
	t.Helper()
	require.NoError(t, reg.Insert(context.Background(), &registry.ServerRecord{
		ID:               id,
		EngineType:       registry.EngineSimple,
		Status:           registry.StatusRunning,
		Port:             18020,
		ProcessID:        pid,
		ProcessStartUnix: startUnix,
		StartedAt:        time.Now(),
	}))
}

func statusOf(t *testing.T, reg registry.Registry, id string) registry.Status {
	t.Helper()
	rec, err := reg.Get(context.Background(), id, "")
	require.NoError(t, err)
	return rec.Status
}

func TestReconcileMarksPidlessRecordStopped(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	require.NoError(t, reg.Insert(context.Background(), &registry.ServerRecord{
		ID:         "pidless",
		EngineType: registry.EngineSimple,
		Status:     registry.StatusRunning,
		Port:       18021,
		StartedAt:  time.Now(),
	}))

	corrected, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)
	assert.Equal(t, registry.StatusStopped, statusOf(t, reg, "pidless"))

	rec, err := reg.Get(context.Background(), "pidless", "")
	require.NoError(t, err)
	assert.NotNil(t, rec.StoppedAt)
}

func TestReconcileMarksDeadPidStopped(t *testing.T) {
	skipOnWindows(t)

	m, reg := newTestManager(t, Options{})
	// Beyond the default kernel pid_max, so it can never be alive.
	insertRunning(t, reg, "dead", 99999999, 12345)

	corrected, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)
	assert.Equal(t, registry.StatusStopped, statusOf(t, reg, "dead"))
}

func TestReconcileDetectsReusedPid(t *testing.T) {
	skipOnWindows(t)

	m, reg := newTestManager(t, Options{})
	// Alive pid, wrong start-time fingerprint.
	insertRunning(t, reg, "reused", os.Getpid(), 12345)

	corrected, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)
	assert.Equal(t, registry.StatusStopped, statusOf(t, reg, "reused"))
}

func TestReconcileLeavesLiveProcessAlone(t *testing.T) {
	skipOnWindows(t)

	m, reg := newTestManager(t, Options{})
	start, err := process.StartTime(os.Getpid())
	require.NoError(t, err)
	insertRunning(t, reg, "alive", os.Getpid(), start)

	corrected, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, corrected)
	assert.Equal(t, registry.StatusRunning, statusOf(t, reg, "alive"))
}

func TestReconcileSkipsTrackedProcesses(t *testing.T) {
	skipOnWindows(t)

	m, reg := newTestManager(t, Options{})

	proc := process.New("tracked", "sleeper", "sleep", []string{"30"})
	require.NoError(t, proc.Start())
	defer proc.Stop()
	require.NoError(t, m.Table().Add(proc))

	insertRunning(t, reg, "tracked", proc.PID(), proc.StartUnix())

	corrected, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, corrected)
	assert.Equal(t, registry.StatusRunning, statusOf(t, reg, "tracked"))
}

func TestReconcileAuditsAllOwnerScopes(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	require.NoError(t, reg.Insert(context.Background(), &registry.ServerRecord{
		ID:         "scoped",
		Owner:      "team-b",
		EngineType: registry.EngineSimple,
		Status:     registry.StatusRunning,
		Port:       18022,
		StartedAt:  time.Now(),
	}))

	corrected, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)

	rec, err := reg.Get(context.Background(), "scoped", "team-b")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, rec.Status)
}
