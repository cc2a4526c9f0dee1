package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/clusterd/internal/model"
)

// fakeRedis is an in-memory RedisClient. Expiries are recorded, not enforced.
type fakeRedis struct {
	mu   sync.Mutex
	kv   map[string]string
	sets map[string]map[string]bool
	ttls map[string]time.Duration
	dels [][]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		kv:   make(map[string]string),
		sets: make(map[string]map[string]bool),
		ttls: make(map[string]time.Duration),
	}
}

func (f *fakeRedis) exists(key string) bool {
	_, kv := f.kv[key]
	_, set := f.sets[key]
	return kv || set
}

func (f *fakeRedis) ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ttls[key]; ok || !f.exists(key) {
		return redis.NewBoolResult(false, nil)
	}
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

// ExpireGT treats a key without expiry as infinite, like redis
func (f *fakeRedis) ExpireGT(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.ttls[key]
	if !ok || expiration <= cur {
		return redis.NewBoolResult(false, nil)
	}
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dels = append(f.dels, keys)
	var n int64
	for _, k := range keys {
		delete(f.ttls, k)
		if _, ok := f.kv[k]; ok {
			delete(f.kv, k)
			n++
		}
		if _, ok := f.sets[k]; ok {
			delete(f.sets, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	for _, m := range members {
		f.sets[key][m.(string)] = true
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range f.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range f.sets {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeRedis) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kv) + len(f.sets)
}

// fakeCluster reports itself as a cluster client. Its masters are plain
// clients pointed at addrs.
type fakeCluster struct {
	*fakeRedis
	addrs   []string
	visited []string
}

func (f *fakeCluster) ForEachMaster(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error {
	for _, addr := range f.addrs {
		f.visited = append(f.visited, addr)
		node := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
		err := fn(ctx, node)
		_ = node.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// hashTag returns the part of key redis cluster hashes
func hashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func TestRedisTierKeysShareSlot(t *testing.T) {
	tier := NewRedisTier(newFakeRedis(), "")

	for _, ns := range []string{"guilds", "economy:balances", "users"} {
		entry := tier.entryKey(ns, "1180000000000000001")
		index := tier.namespaceKey(ns)
		assert.True(t, strings.HasPrefix(entry, "clusterd:cache:"))
		assert.Equal(t, ns, hashTag(entry))
		assert.Equal(t, hashTag(entry), hashTag(index))
	}
	assert.NotEqual(t, hashTag(tier.entryKey("a", "1")), hashTag(tier.entryKey("b", "1")))
}

func TestRedisTierIndexExpiry(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	tier := NewRedisTier(client, "test:")

	now := time.Now()
	for _, ttl := range []time.Duration{time.Minute, 10 * time.Minute, 5 * time.Minute} {
		require.NoError(t, tier.Set(ctx, &model.CacheDocument{
			Namespace: "guilds", Key: ttl.String(), Value: []byte("v"), CreatedAt: now, ExpiresAt: now.Add(ttl),
		}))
	}

	index := client.ttls[tier.namespaceKey("guilds")]
	assert.InDelta(t, float64(10*time.Minute), float64(index), float64(5*time.Second),
		"index outlives its longest entry")
	assert.InDelta(t, float64(time.Minute), float64(client.ttls[tier.entryKey("guilds", "1m0s")]), float64(5*time.Second))
}

func TestRedisTierDeleteNamespaceSingleSlot(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	tier := NewRedisTier(client, "")

	now := time.Now()
	for _, key := range []string{"1", "2", "3"} {
		require.NoError(t, tier.Set(ctx, &model.CacheDocument{
			Namespace: "guilds", Key: key, Value: []byte(key), CreatedAt: now, ExpiresAt: now.Add(time.Minute),
		}))
	}
	require.NoError(t, tier.DeleteNamespace(ctx, "guilds"))

	require.Len(t, client.dels, 1)
	require.Len(t, client.dels[0], 4)
	for _, key := range client.dels[0] {
		assert.Equal(t, "guilds", hashTag(key), key)
	}
	assert.Equal(t, 0, client.len())
}

func TestRedisTierClearVisitsEveryMaster(t *testing.T) {
	ctx := context.Background()
	cluster := &fakeCluster{fakeRedis: newFakeRedis(), addrs: []string{"127.0.0.1:1"}}
	tier := NewRedisTier(cluster, "")

	now := time.Now()
	require.NoError(t, tier.Set(ctx, &model.CacheDocument{
		Namespace: "guilds", Key: "1", Value: []byte("v"), CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))

	// The scan goes to the master nodes, not the cluster client
	err := tier.Clear(ctx)
	assert.Error(t, err)
	assert.Equal(t, []string{"127.0.0.1:1"}, cluster.visited)
	assert.Equal(t, 2, cluster.len())
}

func TestRedisTierRoundTrip(t *testing.T) {
	ctx := context.Background()
	tier := NewRedisTier(newFakeRedis(), "")

	now := time.Now()
	doc := &model.CacheDocument{
		Namespace:  "users",
		Key:        "42",
		Value:      []byte{1, 2, 3},
		Compressed: true,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Minute),
	}
	require.NoError(t, tier.Set(ctx, doc))

	got, err := tier.Get(ctx, "users", "42", now)
	require.NoError(t, err)
	assert.Equal(t, doc.Value, got.Value)
	assert.True(t, got.Compressed)
	assert.WithinDuration(t, doc.ExpiresAt, got.ExpiresAt, time.Millisecond)

	_, err = tier.Get(ctx, "users", "42", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrMiss)

	_, err = tier.Get(ctx, "users", "missing", now)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, tier.Delete(ctx, "users", "42"))
	_, err = tier.Get(ctx, "users", "42", now)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisTierNamespaceAndClear(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	tier := NewRedisTier(client, "test:")

	now := time.Now()
	for _, ns := range []string{"a", "a", "b"} {
		for _, key := range []string{"1", "2"} {
			require.NoError(t, tier.Set(ctx, &model.CacheDocument{
				Namespace: ns, Key: key, Value: []byte(ns + key), CreatedAt: now, ExpiresAt: now.Add(time.Minute),
			}))
		}
	}

	require.NoError(t, tier.DeleteNamespace(ctx, "a"))
	_, err := tier.Get(ctx, "a", "1", now)
	assert.ErrorIs(t, err, ErrMiss)
	_, err = tier.Get(ctx, "b", "1", now)
	assert.NoError(t, err)

	require.NoError(t, tier.Clear(ctx))
	assert.Equal(t, 0, client.len())
}

func TestCacheOverRedisTier(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	clock := newTestClock()

	// The redis tier sets expiry from the wall clock, so entries are stamped
	// relative to it
	clock.t = time.Now()
	a := newTestCache(t, DefaultConfig(), NewRedisTier(client, ""), clock)
	b := newTestCache(t, DefaultConfig(), NewRedisTier(client, ""), clock)

	a.Set(ctx, "cfg", "flags", []string{"x", "y"}, Distributed())

	out, err := GetOrLoad(ctx, b, "cfg", "flags", func(ctx context.Context) ([]string, error) {
		t.Fatal("loader must not run on a shared hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, out)
}
