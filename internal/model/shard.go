package model

import "time"

// ShardStatus represents the liveness reported by a cluster
type ShardStatus string

const (
	ShardStatusOnline  ShardStatus = "online"
	ShardStatusUnknown ShardStatus = "unknown"
)

// ShardStatusRecord is the heartbeat document a worker upserts for its
// cluster. There is at most one current record per cluster id.
type ShardStatusRecord struct {
	ClusterID   int             `json:"cluster_id"`
	ShardIDs    []int           `json:"shard_ids"`
	Status      ShardStatus     `json:"status"`
	LatencyMS   map[int]float64 `json:"latency_ms"`
	MemoryMB    float64         `json:"memory_mb"`
	CPUPercent  float64         `json:"cpu_percent"`
	GuildCounts map[int]int     `json:"guild_counts"`
	Uptime      time.Duration   `json:"uptime"`
	LastUpdated time.Time       `json:"last_updated"`

	// Process details
	ProcessID   int    `json:"process_id"`
	ThreadCount int32  `json:"thread_count"`
	Version     string `json:"version,omitempty"`
	GoVersion   string `json:"go_version,omitempty"`
	System      string `json:"system,omitempty"`
}

// Stale reports whether the record is older than maxAge at now
func (r *ShardStatusRecord) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.LastUpdated) > maxAge
}
