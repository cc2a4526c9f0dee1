package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/clusterd/internal/cache"
	"github.com/t77yq/clusterd/internal/pool"
)

// guildOnShard returns a guild id routed to shardID
func guildOnShard(shardID int, n uint64) uint64 {
	return uint64(shardID)<<22 | n
}

type recordingCache struct {
	mu      sync.Mutex
	deleted []string
	set     map[string]any
}

func (c *recordingCache) Delete(ctx context.Context, namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, namespace+"/"+key)
}

func (c *recordingCache) Set(ctx context.Context, namespace, key string, value any, opts ...cache.SetOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set == nil {
		c.set = make(map[string]any)
	}
	c.set[namespace+"/"+key] = value
}

func TestStaticGatewayCounts(t *testing.T) {
	g := NewStaticGateway([]int{2, 3}, 4, &recordingCache{}, nil, "", zaptest.NewLogger(t))

	assert.True(t, g.AddGuild(guildOnShard(2, 1)))
	assert.True(t, g.AddGuild(guildOnShard(2, 2)))
	assert.True(t, g.AddGuild(guildOnShard(3, 1)))
	assert.False(t, g.AddGuild(guildOnShard(0, 1)))

	g.SetLatency(3, 41.5)

	assert.Equal(t, map[int]int{2: 2, 3: 1}, g.GuildCounts())
	assert.Equal(t, map[int]float64{2: 0, 3: 41.5}, g.ShardLatencies())
}

func TestStaticGatewayReady(t *testing.T) {
	g := NewStaticGateway([]int{0}, 1, &recordingCache{}, nil, "", zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Ready(ctx), context.Canceled)

	g.MarkReady()
	g.MarkReady()
	assert.NoError(t, g.Ready(context.Background()))
}

func TestStaticGatewayRefetch(t *testing.T) {
	ctx := context.Background()
	guild := guildOnShard(1, 5)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/guilds/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/guilds/404" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"path": r.URL.Path})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	p := pool.New(pool.DefaultConfig(), nil, zaptest.NewLogger(t))
	defer p.Close(ctx)

	c := &recordingCache{}
	g := NewStaticGateway([]int{1}, 2, c, p, ts.URL+"/api", zaptest.NewLogger(t))

	require.NoError(t, g.RefetchGuild(ctx, guild))
	require.NoError(t, g.RefetchMember(ctx, guild, 99))

	guildKey := "4194309"
	memberKey := cache.Key(guildKey, "99")
	assert.Equal(t, []string{"guilds/" + guildKey, "members/" + memberKey}, c.deleted)
	assert.Equal(t, map[string]any{"path": "/api/guilds/" + guildKey}, c.set["guilds/"+guildKey])
	assert.Equal(t, map[string]any{"path": "/api/guilds/" + guildKey + "/members/99"}, c.set["members/"+memberKey])

	// Guilds of other clusters are not touched
	require.NoError(t, g.RefetchGuild(ctx, guildOnShard(0, 5)))
	assert.Len(t, c.deleted, 2)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.HTTP.RequestsTotal)
}

func TestStaticGatewayRefetchFailure(t *testing.T) {
	ctx := context.Background()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	p := pool.New(pool.DefaultConfig(), nil, zaptest.NewLogger(t))
	defer p.Close(ctx)

	c := &recordingCache{}
	g := NewStaticGateway([]int{0}, 1, c, p, ts.URL, zaptest.NewLogger(t))

	err := g.RefetchGuild(ctx, 12)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
	assert.Empty(t, c.set)
}

func TestStaticGatewayWithoutAPIOnlyInvalidates(t *testing.T) {
	c := &recordingCache{}
	g := NewStaticGateway([]int{0}, 1, c, nil, "", zaptest.NewLogger(t))

	require.NoError(t, g.RefetchGuild(context.Background(), 77))
	assert.Equal(t, []string{"guilds/77"}, c.deleted)
	assert.Empty(t, c.set)
}
