package main

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/t77yq/clusterd/internal/supervisor"
)

// clusterCommand resolves the worker binary and argv for clusterID
func clusterCommand(sup *supervisor.Supervisor, clusterID int) (string, []string, error) {
	argv, err := sup.Args(clusterID)
	if err != nil {
		return "", nil, err
	}

	path, err := exec.LookPath(argv[0])
	if err != nil && !errors.Is(err, exec.ErrDot) {
		return "", nil, fmt.Errorf("failed to find worker binary: %w", err)
	}
	return path, argv, nil
}
