package shard

import (
	"fmt"
	"strconv"
	"strings"
)

// Partition splits shard ids 0..totalShards-1 into clusterCount contiguous
// ranges. Cluster i receives totalShards/clusterCount shards, plus one more
// when i < totalShards%clusterCount.
func Partition(clusterCount, totalShards int) ([][]int, error) {
	if clusterCount < 1 {
		return nil, ErrInvalidClusterCount
	}
	if totalShards < clusterCount {
		return nil, fmt.Errorf("%w: %d shards for %d clusters", ErrInvalidShardCount, totalShards, clusterCount)
	}

	base := totalShards / clusterCount
	remainder := totalShards % clusterCount

	ranges := make([][]int, clusterCount)
	next := 0
	for i := 0; i < clusterCount; i++ {
		n := base
		if i < remainder {
			n++
		}
		ids := make([]int, n)
		for j := range ids {
			ids[j] = next + j
		}
		ranges[i] = ids
		next += n
	}
	return ranges, nil
}

// ForCluster returns the shard ids owned by a single cluster
func ForCluster(clusterID, clusterCount, totalShards int) ([]int, error) {
	if clusterID < 0 || clusterID >= clusterCount {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidClusterID, clusterID, clusterCount)
	}
	ranges, err := Partition(clusterCount, totalShards)
	if err != nil {
		return nil, err
	}
	return ranges[clusterID], nil
}

// ForGuild returns the shard a guild is routed to by the platform
func ForGuild(guildID uint64, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int((guildID >> 22) % uint64(shardCount))
}

// Format joins shard ids with commas, as passed on the worker command line
func Format(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// Parse reverses Format. Whitespace around ids is ignored and an empty string
// yields an empty list.
func Parse(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	seen := make(map[int]struct{}, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidShardList, s)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate shard %d", ErrInvalidShardList, id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
