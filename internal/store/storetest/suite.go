// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/store"
)

// Factory returns a fresh, migrated-or-not store for one subtest
type Factory func(t *testing.T) store.Store

// Run exercises the full store contract against the backend built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("Status", func(t *testing.T) { testStatus(t, open(t, newStore)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, open(t, newStore)) })
	t.Run("Payload", func(t *testing.T) { testPayload(t, open(t, newStore)) })
	t.Run("OrderLimitExclude", func(t *testing.T) { testOrderLimitExclude(t, open(t, newStore)) })
	t.Run("ConcurrentMark", func(t *testing.T) { testConcurrentMark(t, open(t, newStore)) })
	t.Run("Cache", func(t *testing.T) { testCache(t, open(t, newStore)) })
}

func open(t *testing.T, newStore Factory) store.Store {
	t.Helper()
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newEvent(source int, targets []int, processedBy []int, ttl time.Duration) *model.CrossClusterEvent {
	created := now()
	return &model.CrossClusterEvent{
		ID:            uuid.New().String(),
		Type:          model.EventCacheInvalidate,
		Payload:       map[string]any{"namespace": "users"},
		SourceCluster: source,
		TargetShards:  targets,
		CreatedAt:     created,
		ExpiresAt:     created.Add(ttl),
		ProcessedBy:   processedBy,
	}
}

func testStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	ts := now()

	rec := &model.ShardStatusRecord{
		ClusterID:   1,
		ShardIDs:    []int{3, 4},
		Status:      model.ShardStatusOnline,
		LatencyMS:   map[int]float64{3: 41.5, 4: 39},
		MemoryMB:    128,
		CPUPercent:  3.5,
		GuildCounts: map[int]int{3: 10, 4: 12},
		Uptime:      90 * time.Second,
		LastUpdated: ts,
		ProcessID:   4242,
	}
	require.NoError(t, s.UpsertStatus(ctx, rec))

	// A second upsert for the same cluster replaces the first
	updated := *rec
	updated.MemoryMB = 256
	updated.LastUpdated = ts.Add(time.Second)
	require.NoError(t, s.UpsertStatus(ctx, &updated))

	stale := &model.ShardStatusRecord{
		ClusterID:   2,
		ShardIDs:    []int{5},
		Status:      model.ShardStatusOnline,
		LastUpdated: ts.Add(-10 * time.Minute),
	}
	require.NoError(t, s.UpsertStatus(ctx, stale))

	recs, err := s.ListStatuses(ctx, ts.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got := recs[0]
	assert.Equal(t, 1, got.ClusterID)
	assert.Equal(t, []int{3, 4}, got.ShardIDs)
	assert.Equal(t, model.ShardStatusOnline, got.Status)
	assert.Equal(t, 256.0, got.MemoryMB)
	assert.Equal(t, map[int]float64{3: 41.5, 4: 39}, got.LatencyMS)
	assert.Equal(t, map[int]int{3: 10, 4: 12}, got.GuildCounts)
	assert.Equal(t, 90*time.Second, got.Uptime)
	assert.WithinDuration(t, ts.Add(time.Second), got.LastUpdated, time.Millisecond)

	all, err := s.ListStatuses(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()

	broadcast := newEvent(0, nil, []int{0}, 5*time.Minute)
	targeted := newEvent(0, []int{4, 9}, []int{0}, 5*time.Minute)
	elsewhere := newEvent(0, []int{7}, []int{0}, 5*time.Minute)
	done := newEvent(2, nil, []int{1}, 5*time.Minute)
	expired := newEvent(0, nil, nil, -time.Second)

	for _, evt := range []*model.CrossClusterEvent{broadcast, targeted, elsewhere, done, expired} {
		require.NoError(t, s.InsertEvent(ctx, evt))
	}

	q := store.EventQuery{ClusterID: 1, ShardIDs: []int{3, 4}, Now: now(), Limit: 100}
	pending, err := s.PendingEvents(ctx, q)
	require.NoError(t, err)

	ids := make([]string, 0, len(pending))
	for _, evt := range pending {
		ids = append(ids, evt.ID)
	}
	assert.ElementsMatch(t, []string{broadcast.ID, targeted.ID}, ids)

	for _, evt := range pending {
		if evt.ID == broadcast.ID {
			assert.Nil(t, evt.TargetShards, "broadcast target must stay nil")
			assert.Equal(t, "users", evt.Payload["namespace"])
			assert.Equal(t, model.EventCacheInvalidate, evt.Type)
		}
	}

	// The producer never sees its own pre-seeded event
	own, err := s.PendingEvents(ctx, store.EventQuery{ClusterID: 0, ShardIDs: []int{0, 1, 2}, Now: now(), Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, own)

	added, err := s.MarkProcessed(ctx, broadcast.ID, 1)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.MarkProcessed(ctx, broadcast.ID, 1)
	require.NoError(t, err)
	assert.False(t, added)

	_, err = s.MarkProcessed(ctx, uuid.New().String(), 1)
	assert.ErrorIs(t, err, store.ErrEventNotFound)

	pending, err = s.PendingEvents(ctx, q)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, targeted.ID, pending[0].ID)

	limited, err := s.PendingEvents(ctx, store.EventQuery{ClusterID: 3, ShardIDs: []int{4, 7}, Now: now(), Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	deleted, err := s.DeleteExpiredEvents(ctx, now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.MarkProcessed(ctx, expired.ID, 1)
	assert.ErrorIs(t, err, store.ErrEventNotFound)
}

// snowflake is above 2^53, where float64 stops being exact
const snowflake uint64 = 1234567890123456789

// asUint64 accepts the integer representations a backend may decode to.
// A float64 only counts when it is exact.
func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), n >= 0
	case int32:
		return uint64(n), n >= 0
	case int:
		return uint64(n), n >= 0
	case json.Number:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return u, err == nil
	case float64:
		if n < 0 || n > 1<<53 || n != float64(uint64(n)) {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

func testPayload(t *testing.T, s store.Store) {
	ctx := context.Background()

	evt := newEvent(0, nil, []int{0}, time.Minute)
	evt.Type = model.EventGuildUpdate
	evt.Payload = map[string]any{
		"guild_id": snowflake,
		"user_id":  "987654321987654321",
		"small":    7,
		"enabled":  true,
		"note":     "quoted \"value\" with unicode é",
	}
	require.NoError(t, s.InsertEvent(ctx, evt))

	pending, err := s.PendingEvents(ctx, store.EventQuery{ClusterID: 1, ShardIDs: []int{1}, Now: now(), Limit: 10})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got := pending[0].Payload
	id, ok := asUint64(got["guild_id"])
	require.True(t, ok, "guild_id decoded as %T", got["guild_id"])
	assert.Equal(t, snowflake, id)

	small, ok := asUint64(got["small"])
	require.True(t, ok, "small decoded as %T", got["small"])
	assert.Equal(t, uint64(7), small)

	assert.Equal(t, "987654321987654321", got["user_id"])
	assert.Equal(t, true, got["enabled"])
	assert.Equal(t, "quoted \"value\" with unicode é", got["note"])
	assert.Equal(t, model.EventGuildUpdate, pending[0].Type)
}

func testOrderLimitExclude(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now().Add(-time.Second)

	// Inserted out of order; created_at decides
	events := make([]*model.CrossClusterEvent, 4)
	for i := range events {
		evt := newEvent(0, nil, []int{0}, time.Minute)
		evt.CreatedAt = base.Add(time.Duration(i) * 10 * time.Millisecond)
		evt.ExpiresAt = evt.CreatedAt.Add(time.Minute)
		events[i] = evt
	}
	for _, i := range []int{2, 0, 3, 1} {
		require.NoError(t, s.InsertEvent(ctx, events[i]))
	}

	ids := func(evts []*model.CrossClusterEvent) []string {
		out := make([]string, 0, len(evts))
		for _, evt := range evts {
			out = append(out, evt.ID)
		}
		return out
	}

	q := store.EventQuery{ClusterID: 1, ShardIDs: []int{1}, Now: now()}
	all, err := s.PendingEvents(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, ids(events), ids(all), "oldest first")

	q.Limit = 2
	limited, err := s.PendingEvents(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{events[0].ID, events[1].ID}, ids(limited))

	// Excluded ids do not count against the limit
	q.Exclude = []string{events[0].ID, events[1].ID}
	next, err := s.PendingEvents(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{events[2].ID, events[3].ID}, ids(next))

	q.Limit = 0
	q.Exclude = []string{events[1].ID, uuid.New().String()}
	rest, err := s.PendingEvents(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{events[0].ID, events[2].ID, events[3].ID}, ids(rest))
}

func testConcurrentMark(t *testing.T, s store.Store) {
	ctx := context.Background()
	evt := newEvent(0, nil, nil, time.Minute)
	require.NoError(t, s.InsertEvent(ctx, evt))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkProcessed(ctx, evt.ID, 5)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, added)
}

func testCache(t *testing.T, s store.Store) {
	ctx := context.Background()
	ts := now()

	doc := &model.CacheDocument{
		Namespace: "users",
		Key:       "42",
		Value:     []byte("first"),
		CreatedAt: ts,
		ExpiresAt: ts.Add(time.Minute),
	}
	require.NoError(t, s.SetCache(ctx, doc))

	got, err := s.GetCache(ctx, "users", "42", now())
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got.Value)
	assert.False(t, got.Compressed)

	overwrite := *doc
	overwrite.Value = []byte("second")
	overwrite.Compressed = true
	require.NoError(t, s.SetCache(ctx, &overwrite))

	got, err = s.GetCache(ctx, "users", "42", now())
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got.Value)
	assert.True(t, got.Compressed)

	_, err = s.GetCache(ctx, "users", "42", ts.Add(2*time.Minute))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetCache(ctx, "users", "missing", now())
	assert.ErrorIs(t, err, store.ErrNotFound)

	for _, key := range []string{"a", "b"} {
		require.NoError(t, s.SetCache(ctx, &model.CacheDocument{
			Namespace: "guilds", Key: key, Value: []byte(key), CreatedAt: ts, ExpiresAt: ts.Add(time.Minute),
		}))
	}

	deleted, err := s.DeleteCacheNamespace(ctx, "guilds")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	require.NoError(t, s.DeleteCache(ctx, "users", "42"))
	_, err = s.GetCache(ctx, "users", "42", now())
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SetCache(ctx, doc))
	require.NoError(t, s.ClearCache(ctx))
	_, err = s.GetCache(ctx, "users", "42", now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
