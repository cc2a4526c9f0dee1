package cache

import "errors"

var (
	// ErrMiss is returned by a Tier when the entry does not exist or has expired
	ErrMiss = errors.New("cache miss")

	// ErrNotCached is returned by GetOrLoad when a cached value cannot be
	// converted to the requested type
	ErrNotCached = errors.New("cached value has unexpected type")
)
