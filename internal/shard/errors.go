package shard

import "errors"

var (
	// ErrInvalidClusterCount is returned when fewer than one cluster is requested
	ErrInvalidClusterCount = errors.New("cluster count must be at least 1")

	// ErrInvalidShardCount is returned when there are fewer shards than clusters
	ErrInvalidShardCount = errors.New("total shards must be at least the cluster count")

	// ErrInvalidClusterID is returned when a cluster id is outside [0, clusterCount)
	ErrInvalidClusterID = errors.New("cluster id out of range")

	// ErrInvalidShardList is returned when a shard id list cannot be parsed
	ErrInvalidShardList = errors.New("invalid shard id list")
)
