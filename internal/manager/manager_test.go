package manager

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdsman-project/herdsman/internal/convert"
	"github.com/herdsman-project/herdsman/internal/engine"
	"github.com/herdsman-project/herdsman/internal/health"
	"github.com/herdsman-project/herdsman/internal/metrics"
	"github.com/herdsman-project/herdsman/internal/port"
	"github.com/herdsman-project/herdsman/internal/process"
	"github.com/herdsman-project/herdsman/internal/registry"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX process groups")
	}
}

// writeScript drops an executable shell script into dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestManager(t *testing.T, opts Options) (*Manager, registry.Registry) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	alloc, err := port.NewAllocator(reg, 18010, 18030)
	require.NoError(t, err)
	monitor := health.NewMonitor(20*time.Millisecond, 150*time.Millisecond)
	m := New(reg, alloc, nil, nil, monitor, opts)
	return m, reg
}

func TestStartValidation(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.Start(ctx, StartRequest{Engine: "gpt-magic", ModelPath: "/m", ModelName: "m"})
	assert.Error(t, err)

	_, err = m.Start(ctx, StartRequest{Engine: registry.EngineSimple, ModelName: "m"})
	assert.Error(t, err)

	_, err = m.Start(ctx, StartRequest{Engine: registry.EngineSimple, ModelPath: "/m"})
	assert.Error(t, err)
}

func TestStartExternalRecordsReference(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	m := New(reg, nil, nil, nil, nil, Options{
		External:        true,
		ExternalBaseURL: "http://inference.example.com:9000",
	})

	rec, err := m.Start(context.Background(), StartRequest{
		Engine:    registry.EngineVLLM,
		ModelPath: "/models/base",
		ModelName: "base",
		Owner:     "team-a",
	})
	require.NoError(t, err)

	assert.Equal(t, registry.StatusRunning, rec.Status)
	assert.Equal(t, 0, rec.Port)
	assert.Zero(t, rec.ProcessID)
	assert.Equal(t, "http://inference.example.com:9000", rec.BaseURL)

	stored, err := reg.Get(context.Background(), rec.ID, "team-a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, stored.Status)
}

func TestStartExternalWithoutBaseURLFails(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	m := New(reg, nil, nil, nil, nil, Options{External: true})

	_, err := m.Start(context.Background(), StartRequest{
		Engine:    registry.EngineVLLM,
		ModelPath: "/models/base",
		ModelName: "base",
	})
	assert.Error(t, err)
}

func TestStartSimpleSpawnsStartingRecord(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	fake := writeScript(t, dir, "llama-server", "sleep 30")
	m, reg := newTestManager(t, Options{SimpleBinary: fake})

	rec, err := m.Start(context.Background(), StartRequest{
		Engine:    registry.EngineSimple,
		ModelPath: "/models/base.gguf",
		ModelName: "base",
	})
	require.NoError(t, err)
	defer m.Stop(context.Background(), rec.ID, "")

	assert.Equal(t, registry.StatusStarting, rec.Status)
	assert.GreaterOrEqual(t, rec.Port, 18010)
	assert.LessOrEqual(t, rec.Port, 18030)
	assert.Greater(t, rec.ProcessID, 0)
	assert.Greater(t, rec.ProcessStartUnix, int64(0))
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", rec.Port), rec.BaseURL)
	assert.Equal(t, "base", rec.Name, "name defaults to the model name")

	_, tracked := m.Table().Get(rec.ID)
	assert.True(t, tracked)

	stored, err := reg.Get(context.Background(), rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStarting, stored.Status)
}

func TestStartSpawnFailureLeavesNoRecord(t *testing.T) {
	skipOnWindows(t)

	m, reg := newTestManager(t, Options{SimpleBinary: "/nonexistent/llama-server"})

	_, err := m.Start(context.Background(), StartRequest{
		Engine:    registry.EngineSimple,
		ModelPath: "/models/base.gguf",
		ModelName: "base",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailure)

	records, err := reg.ListByStatus(context.Background(), registry.StatusStarting, "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUnhealthyServerIsKilledAndMarkedError(t *testing.T) {
	skipOnWindows(t)

	// Nothing listens on the allocated port, so health must time out,
	// the process must die, and the record must carry the error.
	dir := t.TempDir()
	fake := writeScript(t, dir, "llama-server", "sleep 30")
	m, reg := newTestManager(t, Options{SimpleBinary: fake})

	rec, err := m.Start(context.Background(), StartRequest{
		Engine:    registry.EngineSimple,
		ModelPath: "/models/base.gguf",
		ModelName: "base",
	})
	require.NoError(t, err)
	pid := rec.ProcessID

	require.Eventually(t, func() bool {
		stored, err := reg.Get(context.Background(), rec.ID, "")
		return err == nil && stored.Status == registry.StatusError
	}, 10*time.Second, 50*time.Millisecond)

	stored, err := reg.Get(context.Background(), rec.ID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ErrorMessage)
	assert.Eventually(t, func() bool { return !process.Alive(pid) }, 10*time.Second, 50*time.Millisecond)
}

func TestWatchHealthMarksRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := registry.NewMemoryRegistry()
	rec := &registry.ServerRecord{
		ID:         "srv-healthy",
		EngineType: registry.EngineVLLM,
		Status:     registry.StatusStarting,
		BaseURL:    srv.URL,
		Port:       18011,
		StartedAt:  time.Now(),
	}
	require.NoError(t, reg.Insert(context.Background(), rec))

	b := &localBackend{
		reg:     reg,
		monitor: health.NewMonitor(20*time.Millisecond, time.Second),
		table:   process.NewTable(),
	}
	b.watchHealth(rec)

	require.Eventually(t, func() bool {
		stored, err := reg.Get(context.Background(), "srv-healthy", "")
		return err == nil && stored.Status == registry.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	stored, err := reg.Get(context.Background(), "srv-healthy", "")
	require.NoError(t, err)
	assert.NotNil(t, stored.LastHealthCheck)
}

func TestStopRunningServerKillsProcessGroup(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	fake := writeScript(t, dir, "llama-server", "sleep 30")
	m, reg := newTestManager(t, Options{SimpleBinary: fake})

	rec, err := m.Start(context.Background(), StartRequest{
		Engine:    registry.EngineSimple,
		ModelPath: "/models/base.gguf",
		ModelName: "base",
	})
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background(), rec.ID, ""))

	stored, err := reg.Get(context.Background(), rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, stored.Status)
	assert.NotNil(t, stored.StoppedAt)
	assert.Eventually(t, func() bool { return !process.Alive(rec.ProcessID) }, 5*time.Second, 50*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	now := time.Now()
	rec := &registry.ServerRecord{
		ID:         "srv-stopped",
		EngineType: registry.EngineSimple,
		Status:     registry.StatusStopped,
		StartedAt:  now,
		StoppedAt:  &now,
	}
	require.NoError(t, reg.Insert(context.Background(), rec))

	assert.NoError(t, m.Stop(context.Background(), "srv-stopped", ""))
	assert.NoError(t, m.Stop(context.Background(), "srv-stopped", ""))
}

func TestStopMissingRecord(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	err := m.Stop(context.Background(), "no-such-id", "")
	assert.ErrorIs(t, err, registry.ErrRecordNotFound)
}

func TestStopFallsBackToPersistedPID(t *testing.T) {
	skipOnWindows(t)

	// Simulates a manager restart: the process table is empty and only
	// the registry remembers the pid.
	proc := process.New("orphan", "sleeper", "sleep", []string{"30"})
	require.NoError(t, proc.Start())

	m, reg := newTestManager(t, Options{})
	rec := &registry.ServerRecord{
		ID:               "orphan",
		EngineType:       registry.EngineSimple,
		Status:           registry.StatusRunning,
		Port:             18012,
		ProcessID:        proc.PID(),
		ProcessStartUnix: proc.StartUnix(),
		StartedAt:        time.Now(),
	}
	require.NoError(t, reg.Insert(context.Background(), rec))

	require.NoError(t, m.Stop(context.Background(), "orphan", ""))

	stored, err := reg.Get(context.Background(), "orphan", "")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, stored.Status)
	assert.Eventually(t, func() bool { return !process.Alive(rec.ProcessID) }, 5*time.Second, 50*time.Millisecond)
}

func TestStopSkipsReusedPID(t *testing.T) {
	skipOnWindows(t)

	// A record whose pid now belongs to a different process must not
	// get that process killed.
	m, reg := newTestManager(t, Options{})
	rec := &registry.ServerRecord{
		ID:               "reused",
		EngineType:       registry.EngineSimple,
		Status:           registry.StatusRunning,
		Port:             18013,
		ProcessID:        os.Getpid(),
		ProcessStartUnix: 12345, // wrong fingerprint on purpose
		StartedAt:        time.Now(),
	}
	require.NoError(t, reg.Insert(context.Background(), rec))

	require.NoError(t, m.Stop(context.Background(), "reused", ""))
	assert.True(t, process.Alive(os.Getpid()))

	stored, err := reg.Get(context.Background(), "reused", "")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, stored.Status)
}

func TestStartOllamaThroughSharedDaemon(t *testing.T) {
	skipOnWindows(t)

	daemonSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer daemonSrv.Close()

	dir := t.TempDir()
	outDir := filepath.Join(dir, "gguf")
	require.NoError(t, os.Mkdir(outDir, 0o755))

	// Fake converter prints the success marker and creates the file.
	convScript := writeScript(t, dir, "convert.sh",
		`out="$2"
touch "$out"
echo "SUCCESS: GGUF file created at $out"`)
	// Fake ollama binary: the create call just exits 0.
	ollamaBin := writeScript(t, dir, "ollama", "exit 0")

	reg := registry.NewMemoryRegistry()
	alloc, err := port.NewAllocator(reg, 18010, 18030)
	require.NoError(t, err)
	conv := convert.New(convScript, outDir, "")
	daemon := engine.NewDaemon(ollamaBin, daemonSrv.URL)
	m := New(reg, alloc, conv, daemon, health.NewMonitor(20*time.Millisecond, time.Second), Options{})

	rec, err := m.Start(context.Background(), StartRequest{
		Engine:    registry.EngineOllama,
		ModelPath: filepath.Join(dir, "model"),
		ModelName: "job-7-lora",
	})
	require.NoError(t, err)

	assert.Equal(t, registry.StatusRunning, rec.Status)
	assert.Equal(t, 0, rec.Port)
	assert.Zero(t, rec.ProcessID)
	assert.Equal(t, daemonSrv.URL, rec.BaseURL)
	assert.Contains(t, rec.Config, "gguf_path")

	stored, err := reg.Get(context.Background(), rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, stored.Status)
	assert.NotNil(t, stored.LastHealthCheck)
}

func TestBuildCommandResolvesAdapter(t *testing.T) {
	dir := t.TempDir()
	adapterDir := filepath.Join(dir, "lora")
	require.NoError(t, os.Mkdir(adapterDir, 0o755))
	cfg := `{"base_model_name_or_path": "/models/base", "r": 12}`
	require.NoError(t, os.WriteFile(filepath.Join(adapterDir, "adapter_config.json"), []byte(cfg), 0o644))

	b := &localBackend{opts: Options{VLLMBinary: "vllm"}}
	binary, args, frozen, err := b.buildCommand(StartRequest{
		Engine:    registry.EngineVLLM,
		ModelPath: adapterDir,
		ModelName: "job-9-lora",
	}, 18014)
	require.NoError(t, err)

	assert.Equal(t, "vllm", binary)
	assert.Equal(t, "serve", args[0])
	assert.Equal(t, "/models/base", args[1], "base model is the positional argument")
	assert.Contains(t, args, "--enable-lora")
	assert.Contains(t, args, "--max-lora-rank")
	assert.Contains(t, args, "16", "rank 12 buckets up to 16")
	assert.Contains(t, args, "job-9-lora="+adapterDir)

	assert.Equal(t, adapterDir, frozen["adapter_path"])
	assert.Equal(t, "/models/base", frozen["base_model_path"])
	assert.Equal(t, 16, frozen["lora_rank"])
}

func TestBuildCommandFullModel(t *testing.T) {
	b := &localBackend{opts: Options{VLLMBinary: "vllm"}}
	_, args, frozen, err := b.buildCommand(StartRequest{
		Engine:       registry.EngineVLLM,
		ModelPath:    "/models/base",
		ModelName:    "base",
		Quantization: "awq",
	}, 18015)
	require.NoError(t, err)

	assert.Equal(t, "/models/base", args[1])
	assert.NotContains(t, args, "--enable-lora")
	assert.Equal(t, "awq", frozen["quantization"])
	assert.NotContains(t, frozen, "lora_rank")
}

func TestStopMarksStoppedWhenKillFails(t *testing.T) {
	skipOnWindows(t)

	orig := killGroup
	killGroup = func(pid int) error { return fmt.Errorf("operation not permitted") }
	defer func() { killGroup = orig }()

	m, reg := newTestManager(t, Options{})
	start, err := process.StartTime(os.Getpid())
	require.NoError(t, err)
	rec := &registry.ServerRecord{
		ID:               "stubborn",
		EngineType:       registry.EngineSimple,
		Status:           registry.StatusRunning,
		Port:             18016,
		ProcessID:        os.Getpid(),
		ProcessStartUnix: start,
		StartedAt:        time.Now(),
	}
	require.NoError(t, reg.Insert(context.Background(), rec))

	// The kill failure is logged; the stop call itself succeeds and the
	// record still moves to stopped.
	require.NoError(t, m.Stop(context.Background(), "stubborn", ""))

	stored, err := reg.Get(context.Background(), "stubborn", "")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, stored.Status)
	assert.NotNil(t, stored.StoppedAt)
}

// failingInsertRegistry rejects every insert, simulating a registry
// write failure such as a full disk or losing the port-index race to
// another manager process.
type failingInsertRegistry struct {
	registry.Registry
	beforeFail func()
}

func (r *failingInsertRegistry) Insert(ctx context.Context, rec *registry.ServerRecord) error {
	if r.beforeFail != nil {
		r.beforeFail()
	}
	return fmt.Errorf("simulated registry write failure")
}

func TestStartInsertFailureStopsSpawnedProcess(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")
	fake := writeScript(t, dir, "llama-server", "echo $$ > "+pidFile+"\nexec sleep 30")

	// The insert fails only after the child wrote its pid marker, so
	// the test can verify the child is reaped afterwards.
	reg := &failingInsertRegistry{
		Registry: registry.NewMemoryRegistry(),
		beforeFail: func() {
			require.Eventually(t, func() bool {
				_, err := os.Stat(pidFile)
				return err == nil
			}, 5*time.Second, 10*time.Millisecond)
		},
	}
	alloc, err := port.NewAllocator(reg, 18010, 18030)
	require.NoError(t, err)
	m := New(reg, alloc, nil, nil, health.NewMonitor(20*time.Millisecond, 150*time.Millisecond), Options{SimpleBinary: fake})

	_, err = m.Start(context.Background(), StartRequest{
		Engine:    registry.EngineSimple,
		ModelPath: "/models/base.gguf",
		ModelName: "base",
	})
	require.Error(t, err)

	assert.Zero(t, m.Table().Len(), "no orphan left in the process table")

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !process.Alive(pid) }, 10*time.Second, 50*time.Millisecond)

	records, err := reg.ListByStatus(context.Background(), registry.StatusStarting, "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func runningGauge(g prometheus.Gatherer, engine string) float64 {
	fams, err := g.Gather()
	if err != nil {
		return -1
	}
	for _, f := range fams {
		if f.GetName() != "herdsman_server_running" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "engine" && l.GetValue() == engine {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func TestLateHealthResolutionDoesNotCountStoppedServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	promReg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(promReg))

	reg := registry.NewMemoryRegistry()
	b := &localBackend{
		reg:     reg,
		monitor: health.NewMonitor(20*time.Millisecond, time.Second),
		table:   process.NewTable(),
	}

	// Control: a starting record that resolves healthy counts once.
	started := &registry.ServerRecord{
		ID:         "late-started",
		EngineType: registry.EngineOllama,
		Status:     registry.StatusStarting,
		BaseURL:    srv.URL,
		StartedAt:  time.Now(),
	}
	require.NoError(t, reg.Insert(context.Background(), started))
	b.watchHealth(started)
	require.Eventually(t, func() bool {
		return runningGauge(promReg, "ollama") == 1
	}, 5*time.Second, 20*time.Millisecond)

	// A record stopped while health was still resolving: the rejected
	// transition must not move the gauge.
	now := time.Now()
	stopped := &registry.ServerRecord{
		ID:         "late-stopped",
		EngineType: registry.EngineOllama,
		Status:     registry.StatusStopped,
		BaseURL:    srv.URL,
		StartedAt:  now,
		StoppedAt:  &now,
	}
	require.NoError(t, reg.Insert(context.Background(), stopped))
	b.watchHealth(stopped)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, float64(1), runningGauge(promReg, "ollama"))

	st, err := reg.Get(context.Background(), "late-stopped", "")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, st.Status)
}

func TestStartWritesServerLogFile(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	require.NoError(t, os.Mkdir(logDir, 0o755))
	fake := writeScript(t, dir, "llama-server", "echo booting\nsleep 30")
	m, _ := newTestManager(t, Options{SimpleBinary: fake, LogDir: logDir})

	rec, err := m.Start(context.Background(), StartRequest{
		Engine:    registry.EngineSimple,
		ModelPath: "/models/base.gguf",
		ModelName: "base",
	})
	require.NoError(t, err)
	defer m.Stop(context.Background(), rec.ID, "")

	logPath := filepath.Join(logDir, rec.ID+".log")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(data), "booting")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestShutdownStopsTrackedProcesses(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	fake := writeScript(t, dir, "llama-server", "sleep 30")
	m, reg := newTestManager(t, Options{SimpleBinary: fake})

	rec, err := m.Start(context.Background(), StartRequest{
		Engine:    registry.EngineSimple,
		ModelPath: "/models/base.gguf",
		ModelName: "base",
	})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Eventually(t, func() bool { return !process.Alive(rec.ProcessID) }, 5*time.Second, 50*time.Millisecond)

	stored, err := reg.Get(context.Background(), rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, stored.Status)
}
