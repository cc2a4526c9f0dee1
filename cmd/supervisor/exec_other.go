//go:build !unix

package main

import (
	"errors"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/supervisor"
)

// execCluster runs the worker of clusterID in the foreground and exits with
// its status. The process cannot be replaced in place here.
func execCluster(sup *supervisor.Supervisor, clusterID int, logger *zap.Logger) error {
	path, argv, err := clusterCommand(sup, clusterID)
	if err != nil {
		return err
	}

	logger.Info("Running single cluster", zap.Strings("argv", argv))

	cmd := exec.Command(path, argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		_ = logger.Sync()
		os.Exit(exitErr.ExitCode())
	}
	if err != nil {
		return err
	}
	_ = logger.Sync()
	os.Exit(0)
	return nil
}
