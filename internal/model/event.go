package model

import (
	"slices"
	"time"
)

// Well-known cross-cluster event types
const (
	EventCacheInvalidate = "cache_invalidate"
	EventMemberUpdate    = "member_update"
	EventGuildUpdate     = "guild_update"
	EventCommandDisable  = "command_disable"
	EventCommandEnable   = "command_enable"
)

// CrossClusterEvent is a fire-and-forget notification stored in the shared
// store. A nil TargetShards addresses every cluster.
type CrossClusterEvent struct {
	ID            string         `json:"id"`
	Type          string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	SourceCluster int            `json:"source_cluster"`
	TargetShards  []int          `json:"target_shards"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	ProcessedBy   []int          `json:"processed_by"`
}

// Eligible reports whether the cluster owning shardIDs should process the
// event at now
func (e *CrossClusterEvent) Eligible(clusterID int, shardIDs []int, now time.Time) bool {
	if !now.Before(e.ExpiresAt) {
		return false
	}
	if slices.Contains(e.ProcessedBy, clusterID) {
		return false
	}
	return e.Targets(shardIDs)
}

// Targets reports whether the event addresses any of shardIDs
func (e *CrossClusterEvent) Targets(shardIDs []int) bool {
	if e.TargetShards == nil {
		return true
	}
	for _, id := range e.TargetShards {
		if slices.Contains(shardIDs, id) {
			return true
		}
	}
	return false
}

// Expired reports whether the event is past its expiry at now
func (e *CrossClusterEvent) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
