package pool

import "errors"

var (
	// ErrUnavailable is returned when a pooled resource cannot be obtained
	ErrUnavailable = errors.New("resource unavailable")

	// ErrCircuitOpen is returned when the breaker refuses an attempt
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrClosed is returned after the pool has been closed
	ErrClosed = errors.New("pool closed")

	// ErrNoDialer is returned when no store dialer was configured
	ErrNoDialer = errors.New("no store dialer configured")
)
