package supervisor

import "errors"

var (
	// ErrShutdown is returned by operations attempted after Shutdown
	ErrShutdown = errors.New("supervisor is shut down")

	// ErrUnknownCluster is returned for a cluster id outside the partition
	ErrUnknownCluster = errors.New("unknown cluster")

	// ErrNoCommand is returned when no worker command is configured
	ErrNoCommand = errors.New("worker command not configured")
)
