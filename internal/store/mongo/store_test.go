package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/store"
	"github.com/t77yq/clusterd/internal/store/storetest"
)

// TestStoreConformance runs against a live deployment when CLUSTERD_TEST_MONGO_URI is set
func TestStoreConformance(t *testing.T) {
	uri := os.Getenv("CLUSTERD_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CLUSTERD_TEST_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		database := "clusterd_test_" + uuid.NewString()[:8]
		s, err := Open(ctx, zaptest.NewLogger(t), Options{
			URI:                    uri,
			Database:               database,
			MaxPoolSize:            10,
			ServerSelectionTimeout: 5 * time.Second,
		})
		require.NoError(t, err)

		t.Cleanup(func() { _ = s.db.Drop(context.Background()) })
		return s
	})
}

func TestStatusModelKeys(t *testing.T) {
	rec := &model.ShardStatusRecord{
		ClusterID:   3,
		ShardIDs:    []int{9, 10},
		Status:      model.ShardStatusOnline,
		LatencyMS:   map[int]float64{9: 12.5, 10: 80},
		GuildCounts: map[int]int{9: 100},
		Uptime:      1500 * time.Millisecond,
		LastUpdated: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	m := toStatusModel(rec)
	assert.Equal(t, map[string]float64{"9": 12.5, "10": 80}, m.LatencyMS)
	assert.Equal(t, map[string]int{"9": 100}, m.GuildCounts)
	assert.Equal(t, 1.5, m.UptimeSeconds)

	back, err := fromStatusModel(m)
	require.NoError(t, err)
	assert.Equal(t, rec.LatencyMS, back.LatencyMS)
	assert.Equal(t, rec.GuildCounts, back.GuildCounts)
	assert.Equal(t, rec.Uptime, back.Uptime)

	m.LatencyMS["bogus"] = 1
	_, err = fromStatusModel(m)
	assert.Error(t, err)
}

func TestEventModelProcessedNeverNull(t *testing.T) {
	m := toEventModel(&model.CrossClusterEvent{ID: "e", Type: model.EventCacheInvalidate})
	assert.NotNil(t, m.ProcessedBy)
	assert.Nil(t, m.TargetShards)
}

func TestPendingFilter(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f := pendingFilter(store.EventQuery{ClusterID: 2, ShardIDs: []int{4, 5}, Now: now})

	assert.Equal(t, bson.M{"$gt": now}, f["expires_at"])
	assert.Equal(t, bson.M{"$ne": 2}, f["processed_by"])

	or, ok := f["$or"].(bson.A)
	require.True(t, ok)
	require.Len(t, or, 2)
	assert.Equal(t, bson.M{"target_shards": nil}, or[0])
	assert.Equal(t, bson.M{"target_shards": bson.M{"$in": []int{4, 5}}}, or[1])

	_, ok = f["_id"]
	assert.False(t, ok, "no id filter without exclusions")

	f = pendingFilter(store.EventQuery{ClusterID: 2, Now: now, Exclude: []string{"evt-1", "evt-2"}})
	assert.Equal(t, bson.M{"$nin": []string{"evt-1", "evt-2"}}, f["_id"])
}

func TestMigrationIndexes(t *testing.T) {
	idx := migrationIndexes()
	assert.Len(t, idx, 3)
	for _, col := range []string{store.CollectionStatus, store.CollectionEvents, store.CollectionCache} {
		assert.NotEmpty(t, idx[col], col)
	}
}
