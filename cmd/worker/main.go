package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/config"
	"github.com/t77yq/clusterd/internal/worker"
)

func main() {
	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	config.WorkerFlags(fs)
	_ = fs.Parse(os.Args[1:])

	// Load configuration
	cfg, err := config.LoadWorker(fs)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := cfg.Log.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

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

	rt, err := worker.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create worker runtime", zap.Error(err))
	}

	runErr := rt.Run(ctx)
	if runErr != nil {
		logger.Error("Worker stopped with error", zap.Error(runErr))
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close worker runtime", zap.Error(err))
	}

	if runErr != nil {
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("Worker shut down gracefully")
}
