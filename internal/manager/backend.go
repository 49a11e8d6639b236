package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/herdsman-project/herdsman/internal/adapter"
	"github.com/herdsman-project/herdsman/internal/convert"
	"github.com/herdsman-project/herdsman/internal/engine"
	"github.com/herdsman-project/herdsman/internal/health"
	"github.com/herdsman-project/herdsman/internal/logger"
	"github.com/herdsman-project/herdsman/internal/metrics"
	"github.com/herdsman-project/herdsman/internal/port"
	"github.com/herdsman-project/herdsman/internal/process"
	"github.com/herdsman-project/herdsman/internal/registry"
)

// ServerBackend starts servers for one execution environment. The
// local backend spawns real processes; the external backend records a
// reference to a server someone else operates.
type ServerBackend interface {
	Start(ctx context.Context, req StartRequest) (*registry.ServerRecord, error)
}

// localBackend spawns detached processes on this host.
type localBackend struct {
	reg     registry.Registry
	alloc   *port.Allocator
	conv    *convert.Converter
	daemon  *engine.Daemon
	monitor *health.Monitor
	table   *process.Table
	opts    Options
}

func (b *localBackend) Start(ctx context.Context, req StartRequest) (*registry.ServerRecord, error) {
	switch req.Engine {
	case registry.EngineOllama:
		return b.startOllama(ctx, req)
	case registry.EngineVLLM, registry.EngineSimple:
		return b.startLocal(ctx, req)
	default:
		return nil, fmt.Errorf("unknown engine type %q", req.Engine)
	}
}

// startLocal covers the engines that bind their own port: allocate,
// spawn, and insert the starting record as one critical section, then
// resolve health in the background.
func (b *localBackend) startLocal(ctx context.Context, req StartRequest) (*registry.ServerRecord, error) {
	id := uuid.NewString()

	rec, err := b.alloc.AllocateAndInsert(ctx, req.Owner, func(p int) (*registry.ServerRecord, error) {
		binary, args, cfg, err := b.buildCommand(req, p)
		if err != nil {
			return nil, err
		}

		proc := process.New(id, req.Name, binary, args)
		if b.opts.LogDir != "" {
			proc.LogOutput = logger.FileConfig{Dir: b.opts.LogDir, Compress: true}.Writer(id)
		}
		if err := proc.Start(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
		}
		if err := b.table.Add(proc); err != nil {
			proc.Stop()
			return nil, err
		}

		return &registry.ServerRecord{
			ID:               id,
			Owner:            req.Owner,
			EngineType:       req.Engine,
			Name:             req.Name,
			ModelPath:        req.ModelPath,
			ModelName:        req.ModelName,
			TrainingJobID:    req.TrainingJobID,
			BaseURL:          fmt.Sprintf("http://127.0.0.1:%d", p),
			Port:             p,
			ProcessID:        proc.PID(),
			ProcessStartUnix: proc.StartUnix(),
			Status:           registry.StatusStarting,
			Config:           cfg,
			StartedAt:        time.Now(),
		}, nil
	})
	if err != nil {
		// The insert can fail after the child is already up. Without a
		// record the reconciler would never see the process, so it must
		// die here.
		if proc, ok := b.table.Get(id); ok {
			if stopErr := proc.Stop(); stopErr != nil {
				slog.Error("failed to stop process after registry insert failure", "id", id, "pid", proc.PID(), "error", stopErr)
			}
			b.table.Remove(id)
		}
		return nil, err
	}

	metrics.IncStart(string(req.Engine))
	b.watchHealth(rec)
	return rec, nil
}

// buildCommand resolves adapters and produces the engine argv plus the
// config snapshot frozen into the record.
func (b *localBackend) buildCommand(req StartRequest, p int) (string, []string, map[string]interface{}, error) {
	cfg := map[string]interface{}{}

	switch req.Engine {
	case registry.EngineVLLM:
		spec := engine.VLLMSpec{
			ModelPath:         req.ModelPath,
			ServedModelName:   req.ModelName,
			Port:              p,
			GPUMemoryFraction: req.GPUMemoryFraction,
			Quantization:      req.Quantization,
			EnableToolCalling: req.EnableToolCalling,
			ToolCallParser:    req.ToolCallParser,
		}
		if insp := adapter.Inspect(req.ModelPath); insp.IsAdapter {
			// The base model is the positional argument; the adapter
			// rides along as a lora module.
			rank := adapter.ServingRank(insp.Rank)
			spec.ModelPath = insp.BaseModelPath
			spec.Adapter = &engine.LoRA{
				Name: req.ModelName,
				Path: req.ModelPath,
				Rank: rank,
			}
			cfg["adapter_path"] = req.ModelPath
			cfg["base_model_path"] = insp.BaseModelPath
			cfg["lora_rank"] = rank
		}
		if req.Quantization != "" {
			cfg["quantization"] = req.Quantization
		}
		if req.GPUMemoryFraction > 0 {
			cfg["gpu_memory_fraction"] = req.GPUMemoryFraction
		}

		args, err := engine.BuildVLLMArgs(spec)
		if err != nil {
			return "", nil, nil, err
		}
		return b.opts.VLLMBinary, append([]string{"serve"}, args...), cfg, nil

	case registry.EngineSimple:
		args, err := engine.BuildSimpleArgs(engine.SimpleSpec{
			ModelPath: req.ModelPath,
			Port:      p,
			CtxSize:   req.CtxSize,
			Threads:   req.Threads,
		})
		if err != nil {
			return "", nil, nil, err
		}
		if req.CtxSize > 0 {
			cfg["ctx_size"] = req.CtxSize
		}
		return b.opts.SimpleBinary, args, cfg, nil
	}
	return "", nil, nil, fmt.Errorf("unknown engine type %q", req.Engine)
}

// watchHealth resolves a starting record to running or error in the
// background. Registry writes here are best-effort.
func (b *localBackend) watchHealth(rec *registry.ServerRecord) {
	// Not the caller's ctx: health resolution outlives the Start call.
	ctx := context.Background()
	healthURL := rec.BaseURL + "/health"
	engineName := string(rec.EngineType)

	b.monitor.Watch(ctx, rec.ID, healthURL,
		func() {
			now := time.Now()
			running := registry.StatusRunning
			err := b.reg.Update(ctx, rec.ID, registry.Update{
				Status:          &running,
				LastHealthCheck: &now,
			})
			if err != nil {
				// The record may have been stopped while health was
				// resolving; a rejected transition must not count
				// toward the running gauge.
				slog.Warn("failed to persist running status", "id", rec.ID, "error", err)
				return
			}
			metrics.AddRunning(engineName, 1)
		},
		func(healthErr error) {
			metrics.IncHealthTimeout(engineName)

			// A server that never became healthy must not keep leaking
			// resources: kill the whole group before recording the error.
			if proc, ok := b.table.Get(rec.ID); ok {
				if err := proc.Stop(); err != nil {
					slog.Error("failed to stop unhealthy server", "id", rec.ID, "error", err)
				}
			} else if rec.ProcessID > 0 {
				if err := process.KillGroup(rec.ProcessID); err != nil {
					slog.Error("failed to kill unhealthy server", "id", rec.ID, "pid", rec.ProcessID, "error", err)
				}
			}

			errStatus := registry.StatusError
			msg := healthErr.Error()
			err := b.reg.Update(ctx, rec.ID, registry.Update{
				Status:       &errStatus,
				ErrorMessage: &msg,
			})
			if err != nil {
				slog.Warn("failed to persist error status", "id", rec.ID, "error", err)
			}
		},
	)
}

// startOllama serves through the shared daemon: ensure it runs, make
// sure a GGUF exists, register the model, and record the daemon's URL.
func (b *localBackend) startOllama(ctx context.Context, req StartRequest) (*registry.ServerRecord, error) {
	if err := b.daemon.EnsureRunning(ctx); err != nil {
		return nil, err
	}

	ggufPath, err := b.conv.EnsureGGUF(ctx, req.ModelPath, req.ModelName)
	if err != nil {
		metrics.IncConversion("failure")
		return nil, err
	}
	metrics.IncConversion("success")

	if err := b.daemon.CreateModel(ctx, req.ModelName, ggufPath); err != nil {
		return nil, err
	}

	rec := &registry.ServerRecord{
		ID:         uuid.NewString(),
		Owner:      req.Owner,
		EngineType: registry.EngineOllama,
		Name:       req.Name,
		ModelPath:  req.ModelPath,
		ModelName:  req.ModelName,
		// The shared daemon owns the port; this record has no local
		// process of its own.
		BaseURL:   b.daemon.BaseURL(),
		Port:      0,
		Status:    registry.StatusStarting,
		Config:    map[string]interface{}{"gguf_path": ggufPath},
		StartedAt: time.Now(),
	}
	if req.TrainingJobID != "" {
		rec.TrainingJobID = req.TrainingJobID
	}

	if err := b.reg.Insert(ctx, rec); err != nil {
		return nil, err
	}

	// The daemon already answered its health probe, so the record can
	// resolve immediately.
	now := time.Now()
	running := registry.StatusRunning
	if err := b.reg.Update(ctx, rec.ID, registry.Update{
		Status:          &running,
		LastHealthCheck: &now,
	}); err != nil {
		slog.Warn("failed to persist running status", "id", rec.ID, "error", err)
	} else {
		rec.Status = registry.StatusRunning
		rec.LastHealthCheck = &now
	}

	metrics.IncStart(string(registry.EngineOllama))
	return rec, nil
}

// externalBackend records servers hosted outside this machine. No
// process, no port, and no health polling: the external operator is
// trusted to keep the server up.
type externalBackend struct {
	reg     registry.Registry
	baseURL string
}

func (b *externalBackend) Start(ctx context.Context, req StartRequest) (*registry.ServerRecord, error) {
	if b.baseURL == "" {
		return nil, fmt.Errorf("external base URL is not configured")
	}

	now := time.Now()
	rec := &registry.ServerRecord{
		ID:            uuid.NewString(),
		Owner:         req.Owner,
		EngineType:    req.Engine,
		Name:          req.Name,
		ModelPath:     req.ModelPath,
		ModelName:     req.ModelName,
		TrainingJobID: req.TrainingJobID,
		BaseURL:       b.baseURL,
		Port:          0,
		Status:        registry.StatusRunning,
		StartedAt:     now,
	}
	if err := b.reg.Insert(ctx, rec); err != nil {
		return nil, err
	}
	metrics.IncStart(string(req.Engine))
	return rec, nil
}
