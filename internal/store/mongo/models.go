package mongo

import (
	"strconv"
	"time"

	"github.com/t77yq/clusterd/internal/model"
)

// BSON document keys must be strings, so per-shard maps are keyed by the
// decimal shard id.

type statusModel struct {
	ClusterID     int                `bson:"cluster_id"`
	ShardIDs      []int              `bson:"shard_ids"`
	Status        string             `bson:"status"`
	LatencyMS     map[string]float64 `bson:"latency_ms"`
	MemoryMB      float64            `bson:"memory_mb"`
	CPUPercent    float64            `bson:"cpu_percent"`
	GuildCounts   map[string]int     `bson:"guild_counts"`
	UptimeSeconds float64            `bson:"uptime_seconds"`
	LastUpdated   time.Time          `bson:"last_updated"`
	ProcessID     int                `bson:"process_id"`
	ThreadCount   int32              `bson:"thread_count"`
	Version       string             `bson:"version,omitempty"`
	GoVersion     string             `bson:"go_version,omitempty"`
	System        string             `bson:"system,omitempty"`
}

func toStatusModel(r *model.ShardStatusRecord) *statusModel {
	m := &statusModel{
		ClusterID:     r.ClusterID,
		ShardIDs:      r.ShardIDs,
		Status:        string(r.Status),
		LatencyMS:     make(map[string]float64, len(r.LatencyMS)),
		MemoryMB:      r.MemoryMB,
		CPUPercent:    r.CPUPercent,
		GuildCounts:   make(map[string]int, len(r.GuildCounts)),
		UptimeSeconds: r.Uptime.Seconds(),
		LastUpdated:   r.LastUpdated.UTC(),
		ProcessID:     r.ProcessID,
		ThreadCount:   r.ThreadCount,
		Version:       r.Version,
		GoVersion:     r.GoVersion,
		System:        r.System,
	}
	for id, ms := range r.LatencyMS {
		m.LatencyMS[strconv.Itoa(id)] = ms
	}
	for id, n := range r.GuildCounts {
		m.GuildCounts[strconv.Itoa(id)] = n
	}
	return m
}

func fromStatusModel(m *statusModel) (*model.ShardStatusRecord, error) {
	r := &model.ShardStatusRecord{
		ClusterID:   m.ClusterID,
		ShardIDs:    m.ShardIDs,
		Status:      model.ShardStatus(m.Status),
		LatencyMS:   make(map[int]float64, len(m.LatencyMS)),
		MemoryMB:    m.MemoryMB,
		CPUPercent:  m.CPUPercent,
		GuildCounts: make(map[int]int, len(m.GuildCounts)),
		Uptime:      time.Duration(m.UptimeSeconds * float64(time.Second)),
		LastUpdated: m.LastUpdated,
		ProcessID:   m.ProcessID,
		ThreadCount: m.ThreadCount,
		Version:     m.Version,
		GoVersion:   m.GoVersion,
		System:      m.System,
	}
	for key, ms := range m.LatencyMS {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, err
		}
		r.LatencyMS[id] = ms
	}
	for key, n := range m.GuildCounts {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, err
		}
		r.GuildCounts[id] = n
	}
	return r, nil
}

type eventModel struct {
	ID            string         `bson:"_id"`
	Type          string         `bson:"event_type"`
	Payload       map[string]any `bson:"payload"`
	SourceCluster int            `bson:"source_cluster"`
	TargetShards  []int          `bson:"target_shards"`
	CreatedAt     time.Time      `bson:"created_at"`
	ExpiresAt     time.Time      `bson:"expires_at"`
	ProcessedBy   []int          `bson:"processed_by"`
}

func toEventModel(e *model.CrossClusterEvent) *eventModel {
	processed := e.ProcessedBy
	// $addToSet fails on a null field
	if processed == nil {
		processed = []int{}
	}
	return &eventModel{
		ID:            e.ID,
		Type:          e.Type,
		Payload:       e.Payload,
		SourceCluster: e.SourceCluster,
		TargetShards:  e.TargetShards,
		CreatedAt:     e.CreatedAt.UTC(),
		ExpiresAt:     e.ExpiresAt.UTC(),
		ProcessedBy:   processed,
	}
}

func fromEventModel(m *eventModel) *model.CrossClusterEvent {
	return &model.CrossClusterEvent{
		ID:            m.ID,
		Type:          m.Type,
		Payload:       m.Payload,
		SourceCluster: m.SourceCluster,
		TargetShards:  m.TargetShards,
		CreatedAt:     m.CreatedAt,
		ExpiresAt:     m.ExpiresAt,
		ProcessedBy:   m.ProcessedBy,
	}
}

type cacheModel struct {
	Namespace  string    `bson:"namespace"`
	Key        string    `bson:"key"`
	Value      []byte    `bson:"value"`
	Compressed bool      `bson:"compressed"`
	CreatedAt  time.Time `bson:"created_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

func toCacheModel(d *model.CacheDocument) *cacheModel {
	return &cacheModel{
		Namespace:  d.Namespace,
		Key:        d.Key,
		Value:      d.Value,
		Compressed: d.Compressed,
		CreatedAt:  d.CreatedAt.UTC(),
		ExpiresAt:  d.ExpiresAt.UTC(),
	}
}

func fromCacheModel(m *cacheModel) *model.CacheDocument {
	return &model.CacheDocument{
		Namespace:  m.Namespace,
		Key:        m.Key,
		Value:      m.Value,
		Compressed: m.Compressed,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
	}
}
