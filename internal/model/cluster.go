package model

import "time"

// ClusterState represents the supervisor's view of a cluster process
type ClusterState string

const (
	ClusterStateRunning ClusterState = "running"
	ClusterStateStopped ClusterState = "stopped"
	ClusterStateUnknown ClusterState = "unknown"
)

// ClusterAssignment binds a cluster id to the shard ids it owns and the
// process currently serving them
type ClusterAssignment struct {
	ClusterID int       `json:"cluster_id"`
	ShardIDs  []int     `json:"shard_ids"`
	PID       int       `json:"pid,omitempty"`
	StartTime time.Time `json:"start_time"`
}

// ProcessStats is a point-in-time resource sample of one OS process
type ProcessStats struct {
	PID         int       `json:"pid"`
	MemoryMB    float64   `json:"memory_mb"`
	CPUPercent  float64   `json:"cpu_percent"`
	ThreadCount int32     `json:"thread_count"`
	CollectedAt time.Time `json:"collected_at"`
}

// HostStats is a point-in-time resource sample of the whole host
type HostStats struct {
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	MemoryAvailableMB float64   `json:"memory_available_mb"`
	MemoryTotalMB     float64   `json:"memory_total_mb"`
	CollectedAt       time.Time `json:"collected_at"`
}

// ClusterStatus is one row of the supervisor status table. Optional fields
// are nil when the process is not running or cannot be inspected.
type ClusterStatus struct {
	ClusterID  int            `json:"cluster_id"`
	State      ClusterState   `json:"state"`
	PID        *int           `json:"pid,omitempty"`
	Uptime     *time.Duration `json:"uptime,omitempty"`
	MemoryMB   *float64       `json:"memory_mb,omitempty"`
	CPUPercent *float64       `json:"cpu_percent,omitempty"`
	ShardIDs   []int          `json:"shard_ids"`
	Restarts   int            `json:"restarts"`
}

// SupervisorStatus aggregates every cluster plus host-wide usage
type SupervisorStatus struct {
	ClusterCount int             `json:"cluster_count"`
	TotalShards  int             `json:"total_shards"`
	Clusters     []ClusterStatus `json:"clusters"`
	Host         *HostStats      `json:"host,omitempty"`
	CollectedAt  time.Time       `json:"collected_at"`
}
