package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/herdsman-project/herdsman/internal/config"
	"github.com/herdsman-project/herdsman/internal/convert"
	"github.com/herdsman-project/herdsman/internal/engine"
	"github.com/herdsman-project/herdsman/internal/health"
	"github.com/herdsman-project/herdsman/internal/logger"
	"github.com/herdsman-project/herdsman/internal/manager"
	"github.com/herdsman-project/herdsman/internal/metrics"
	"github.com/herdsman-project/herdsman/internal/port"
	"github.com/herdsman-project/herdsman/internal/registry"
	"github.com/herdsman-project/herdsman/internal/server"
	"github.com/herdsman-project/herdsman/internal/shutdown"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the manager and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func newReconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Audit running records against live processes once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if _, err := logger.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
				return err
			}

			mgr, reg, err := buildManager(cfg)
			if err != nil {
				return err
			}
			defer reg.Close()

			corrected, err := mgr.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("corrected %d stale record(s)\n", corrected)
			return nil
		},
	}
}

func buildManager(cfg *config.Config) (*manager.Manager, registry.Registry, error) {
	for _, dir := range []string{cfg.DataDir, cfg.LogDir, cfg.GGUFDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	reg, err := registry.NewSQLiteRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, nil, err
	}

	alloc, err := port.NewAllocator(reg, cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}

	conv := convert.New(cfg.ConverterCommand, cfg.GGUFDir, cfg.Quantization)
	daemon := engine.NewDaemon(cfg.OllamaBinary, cfg.OllamaBaseURL)
	monitor := health.NewMonitor(cfg.HealthInterval, cfg.HealthMaxWait)

	mgr := manager.New(reg, alloc, conv, daemon, monitor, manager.Options{
		VLLMBinary:      cfg.VLLMBinary,
		SimpleBinary:    cfg.SimpleBinary,
		LogDir:          cfg.LogDir,
		External:        cfg.External,
		ExternalBaseURL: cfg.ExternalBaseURL,
	})
	return mgr, reg, nil
}

func runServe(cfg *config.Config) error {
	if _, err := logger.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	mgr, reg, err := buildManager(cfg)
	if err != nil {
		return err
	}

	// The in-memory process table died with the previous instance;
	// reconcile before accepting new work.
	corrected, err := mgr.Reconcile(context.Background())
	if err != nil {
		reg.Close()
		return err
	}
	if corrected > 0 {
		slog.Info("startup reconciliation corrected stale records", "count", corrected)
	}

	srv := server.New(mgr, cfg.Listen)

	sm := shutdown.NewManager(cfg.ShutdownTimeout)
	sm.Register("control-api", srv.Shutdown, shutdown.PriorityCritical)
	sm.Register("server-processes", mgr.Shutdown, shutdown.PriorityHigh)
	sm.Register("registry", func(ctx context.Context) error {
		return reg.Close()
	}, shutdown.PriorityNormal)
	sm.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-sm.Done():
	}
	sm.Wait()
	return nil
}
