//go:build unix

package main

import (
	"os"
	"syscall"

	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/supervisor"
)

// execCluster replaces the current process with the worker of clusterID
func execCluster(sup *supervisor.Supervisor, clusterID int, logger *zap.Logger) error {
	path, argv, err := clusterCommand(sup, clusterID)
	if err != nil {
		return err
	}

	logger.Info("Running single cluster", zap.Strings("argv", argv))
	_ = logger.Sync()
	return syscall.Exec(path, argv, os.Environ())
}
