package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/config"
	"github.com/t77yq/clusterd/internal/monitor"
	"github.com/t77yq/clusterd/internal/supervisor"
)

func main() {
	fs := pflag.NewFlagSet("supervisor", pflag.ExitOnError)
	config.SupervisorFlags(fs)
	_ = fs.Parse(os.Args[1:])

	// Load configuration
	cfg, err := config.LoadSupervisor(fs)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := cfg.Log.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	collector, err := monitor.NewCollector(cfg.Monitor, logger)
	if err != nil {
		logger.Fatal("Failed to create resource collector", zap.Error(err))
	}

	if cfg.Status {
		if err := showStatus(cfg, collector); err != nil {
			logger.Fatal("Failed to show status", zap.Error(err))
		}
		return
	}

	sup, err := supervisor.New(cfg.Config, logger, supervisor.WithInspector(collector))
	if err != nil {
		logger.Fatal("Failed to create supervisor", zap.Error(err))
	}

	if cfg.RunCluster >= 0 {
		if err := execCluster(sup, cfg.RunCluster, logger); err != nil {
			logger.Fatal("Failed to run cluster", zap.Int("cluster_id", cfg.RunCluster), zap.Error(err))
		}
		return
	}

	running, err := supervisor.DiscoverRunning(cfg.Marker)
	if err != nil {
		logger.Warn("Failed to check for running clusters", zap.Error(err))
	}
	for _, rc := range running {
		logger.Warn("Found cluster already running",
			zap.Int("cluster_id", rc.ClusterID),
			zap.Int("pid", rc.PID))
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		logger.Error("Supervisor stopped with error", zap.Error(err))
		return
	}
	logger.Info("Supervisor shut down gracefully")
}

func showStatus(cfg *config.Supervisor, collector *monitor.Collector) error {
	running, err := supervisor.DiscoverRunning(cfg.Marker)
	if err != nil {
		return err
	}
	if len(running) == 0 {
		fmt.Println("No clusters are currently running.")
		return nil
	}
	return supervisor.RenderStatus(os.Stdout, supervisor.StatusFromDiscovered(running, collector))
}
