// Package store defines the shared store contract: the only medium through
// which clusters coordinate. Every write is either an upsert keyed by its
// owner or an atomic set-add, so concurrent writers need no locking.
package store

import (
	"context"
	"time"

	"github.com/t77yq/clusterd/internal/model"
)

// Collection names shared by every backend
const (
	CollectionStatus = "shard_status"
	CollectionEvents = "shard_events"
	CollectionCache  = "cache"
)

// StatusStore holds one heartbeat record per cluster
type StatusStore interface {
	// UpsertStatus replaces the record keyed by rec.ClusterID
	UpsertStatus(ctx context.Context, rec *model.ShardStatusRecord) error

	// ListStatuses returns records updated after since
	ListStatuses(ctx context.Context, since time.Time) ([]*model.ShardStatusRecord, error)
}

// EventQuery selects events eligible for one consuming cluster
type EventQuery struct {
	ClusterID int
	ShardIDs  []int
	Now       time.Time
	// Limit caps the batch; zero means no limit
	Limit int
	// Exclude lists event ids left out of the batch
	Exclude []string
}

// EventStore holds cross-cluster events
type EventStore interface {
	// InsertEvent stores a new event
	InsertEvent(ctx context.Context, evt *model.CrossClusterEvent) error

	// PendingEvents returns events eligible for q.ClusterID, oldest first
	PendingEvents(ctx context.Context, q EventQuery) ([]*model.CrossClusterEvent, error)

	// MarkProcessed atomically adds clusterID to the event's processed set.
	// It reports false when the id was already present.
	MarkProcessed(ctx context.Context, eventID string, clusterID int) (bool, error)

	// DeleteExpiredEvents removes events whose expiry is not after now
	DeleteExpiredEvents(ctx context.Context, now time.Time) (int64, error)
}

// CacheStore is the cache overflow collection
type CacheStore interface {
	// GetCache returns the unexpired document or ErrNotFound
	GetCache(ctx context.Context, namespace, key string, now time.Time) (*model.CacheDocument, error)

	// SetCache upserts the document keyed by namespace and key
	SetCache(ctx context.Context, doc *model.CacheDocument) error

	// DeleteCache removes one document
	DeleteCache(ctx context.Context, namespace, key string) error

	// DeleteCacheNamespace removes every document in namespace
	DeleteCacheNamespace(ctx context.Context, namespace string) (int64, error)

	// ClearCache removes every cache document
	ClearCache(ctx context.Context) error
}

// Store is the full shared store used by a worker
type Store interface {
	StatusStore
	EventStore
	CacheStore

	// Migrate creates indexes or tables
	Migrate(ctx context.Context) error

	// Ping checks connectivity
	Ping(ctx context.Context) error

	// Close releases the underlying connections
	Close(ctx context.Context) error
}
