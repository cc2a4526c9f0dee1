// Package memory is an in-process store. It is visible to a single process
// only, which makes it suitable for single-cluster runs and tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/store"
)

var _ store.Store = (*Store)(nil)

type cacheKey struct {
	namespace string
	key       string
}

// Store implements store.Store with maps guarded by one mutex
type Store struct {
	mu       sync.RWMutex
	statuses map[int]*model.ShardStatusRecord
	events   map[string]*model.CrossClusterEvent
	cache    map[cacheKey]*model.CacheDocument
	closed   bool
}

// New creates an empty store
func New() *Store {
	return &Store{
		statuses: make(map[int]*model.ShardStatusRecord),
		events:   make(map[string]*model.CrossClusterEvent),
		cache:    make(map[cacheKey]*model.CacheDocument),
	}
}

func (s *Store) Migrate(ctx context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) UpsertStatus(ctx context.Context, rec *model.ShardStatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.statuses[rec.ClusterID] = copyStatus(rec)
	return nil
}

func (s *Store) ListStatuses(ctx context.Context, since time.Time) ([]*model.ShardStatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var out []*model.ShardStatusRecord
	for _, rec := range s.statuses {
		if rec.LastUpdated.After(since) {
			out = append(out, copyStatus(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterID < out[j].ClusterID })
	return out, nil
}

func (s *Store) InsertEvent(ctx context.Context, evt *model.CrossClusterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.events[evt.ID] = copyEvent(evt)
	return nil
}

func (s *Store) PendingEvents(ctx context.Context, q store.EventQuery) ([]*model.CrossClusterEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var out []*model.CrossClusterEvent
	for _, evt := range s.events {
		if evt.Eligible(q.ClusterID, q.ShardIDs, q.Now) && !slices.Contains(q.Exclude, evt.ID) {
			out = append(out, copyEvent(evt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string, clusterID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}

	evt, ok := s.events[eventID]
	if !ok {
		return false, store.ErrEventNotFound
	}
	if slices.Contains(evt.ProcessedBy, clusterID) {
		return false, nil
	}
	evt.ProcessedBy = append(evt.ProcessedBy, clusterID)
	return true, nil
}

func (s *Store) DeleteExpiredEvents(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}

	var deleted int64
	for id, evt := range s.events {
		if evt.Expired(now) {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) GetCache(ctx context.Context, namespace, key string, now time.Time) (*model.CacheDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	doc, ok := s.cache[cacheKey{namespace, key}]
	if !ok || doc.Expired(now) {
		return nil, store.ErrNotFound
	}
	out := *doc
	out.Value = slices.Clone(doc.Value)
	return &out, nil
}

func (s *Store) SetCache(ctx context.Context, doc *model.CacheDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	in := *doc
	in.Value = slices.Clone(doc.Value)
	s.cache[cacheKey{doc.Namespace, doc.Key}] = &in
	return nil
}

func (s *Store) DeleteCache(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	delete(s.cache, cacheKey{namespace, key})
	return nil
}

func (s *Store) DeleteCacheNamespace(ctx context.Context, namespace string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}

	var deleted int64
	for k := range s.cache {
		if k.namespace == namespace {
			delete(s.cache, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) ClearCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	clear(s.cache)
	return nil
}

func copyStatus(rec *model.ShardStatusRecord) *model.ShardStatusRecord {
	out := *rec
	out.ShardIDs = slices.Clone(rec.ShardIDs)
	out.LatencyMS = maps.Clone(rec.LatencyMS)
	out.GuildCounts = maps.Clone(rec.GuildCounts)
	return &out
}

func copyEvent(evt *model.CrossClusterEvent) *model.CrossClusterEvent {
	out := *evt
	out.Payload = maps.Clone(evt.Payload)
	out.TargetShards = slices.Clone(evt.TargetShards)
	out.ProcessedBy = slices.Clone(evt.ProcessedBy)
	return &out
}
