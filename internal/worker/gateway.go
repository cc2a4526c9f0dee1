package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/bus"
	"github.com/t77yq/clusterd/internal/cache"
	"github.com/t77yq/clusterd/internal/shard"
)

// Cache namespaces holding platform entities
const (
	NamespaceGuilds  = "guilds"
	NamespaceMembers = "members"
)

// Gateway is the platform session of one cluster
type Gateway interface {
	bus.ShardSource
	bus.Refetcher

	// Ready blocks until the session is connected or ctx is done
	Ready(ctx context.Context) error
}

// HTTPProvider hands out the pooled HTTP client, typically a *pool.Pool
type HTTPProvider interface {
	HTTPClient(ctx context.Context) (*http.Client, error)
}

// EntityCache stores re-fetched entities, typically a *cache.Cache
type EntityCache interface {
	Delete(ctx context.Context, namespace, key string)
	Set(ctx context.Context, namespace, key string, value any, opts ...cache.SetOption)
}

// StaticGateway serves a fixed shard set. Guild membership and latencies
// are fed in by the caller; AddGuild and SetLatency update them.
type StaticGateway struct {
	logger      *zap.Logger
	shardIDs    []int
	totalShards int
	cache       EntityCache
	http        HTTPProvider
	apiBase     string

	mu        sync.RWMutex
	guilds    map[uint64]struct{}
	latencies map[int]float64

	readyOnce sync.Once
	ready     chan struct{}
}

var _ Gateway = (*StaticGateway)(nil)

// NewStaticGateway creates a gateway for shardIDs out of totalShards. With
// an empty apiBase re-fetches only drop the cached entity.
func NewStaticGateway(shardIDs []int, totalShards int, c EntityCache, hp HTTPProvider, apiBase string, logger *zap.Logger) *StaticGateway {
	return &StaticGateway{
		logger:      logger.Named("gateway"),
		shardIDs:    slices.Clone(shardIDs),
		totalShards: totalShards,
		cache:       c,
		http:        hp,
		apiBase:     apiBase,
		guilds:      make(map[uint64]struct{}),
		latencies:   make(map[int]float64),
		ready:       make(chan struct{}),
	}
}

// MarkReady releases Ready callers
func (g *StaticGateway) MarkReady() {
	g.readyOnce.Do(func() {
		close(g.ready)
		g.logger.Info("Gateway ready", zap.Ints("shard_ids", g.shardIDs))
	})
}

func (g *StaticGateway) Ready(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Owns reports whether guildID is routed to one of the local shards
func (g *StaticGateway) Owns(guildID uint64) bool {
	return slices.Contains(g.shardIDs, shard.ForGuild(guildID, g.totalShards))
}

// AddGuild records a guild served by this cluster. Guilds routed elsewhere
// are ignored and reported false.
func (g *StaticGateway) AddGuild(guildID uint64) bool {
	if !g.Owns(guildID) {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.guilds[guildID] = struct{}{}
	return true
}

// SetLatency records the heartbeat latency of a local shard
func (g *StaticGateway) SetLatency(shardID int, ms float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latencies[shardID] = ms
}

func (g *StaticGateway) ShardLatencies() map[int]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[int]float64, len(g.shardIDs))
	for _, id := range g.shardIDs {
		out[id] = g.latencies[id]
	}
	return out
}

func (g *StaticGateway) GuildCounts() map[int]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[int]int, len(g.shardIDs))
	for _, id := range g.shardIDs {
		out[id] = 0
	}
	for guildID := range g.guilds {
		out[shard.ForGuild(guildID, g.totalShards)]++
	}
	return out
}

// RefetchGuild drops the cached guild and reloads it from the REST API
// when one is configured. Guilds of other clusters are ignored.
func (g *StaticGateway) RefetchGuild(ctx context.Context, guildID uint64) error {
	if !g.Owns(guildID) {
		g.logger.Debug("Ignoring guild of another cluster", zap.Uint64("guild_id", guildID))
		return nil
	}

	key := strconv.FormatUint(guildID, 10)
	g.cache.Delete(ctx, NamespaceGuilds, key)
	if g.apiBase == "" {
		return nil
	}

	doc, err := g.fetch(ctx, "guilds", key)
	if err != nil {
		return fmt.Errorf("failed to refetch guild %d: %w", guildID, err)
	}
	g.cache.Set(ctx, NamespaceGuilds, key, doc)
	return nil
}

// RefetchMember drops the cached member and reloads it from the REST API
// when one is configured
func (g *StaticGateway) RefetchMember(ctx context.Context, guildID, userID uint64) error {
	if !g.Owns(guildID) {
		g.logger.Debug("Ignoring member of another cluster",
			zap.Uint64("guild_id", guildID),
			zap.Uint64("user_id", userID))
		return nil
	}

	guild := strconv.FormatUint(guildID, 10)
	user := strconv.FormatUint(userID, 10)
	key := cache.Key(guild, user)
	g.cache.Delete(ctx, NamespaceMembers, key)
	if g.apiBase == "" {
		return nil
	}

	doc, err := g.fetch(ctx, "guilds", guild, "members", user)
	if err != nil {
		return fmt.Errorf("failed to refetch member %d of guild %d: %w", userID, guildID, err)
	}
	g.cache.Set(ctx, NamespaceMembers, key, doc)
	return nil
}

func (g *StaticGateway) fetch(ctx context.Context, segments ...string) (map[string]any, error) {
	endpoint, err := url.JoinPath(g.apiBase, segments...)
	if err != nil {
		return nil, fmt.Errorf("failed to build url: %w", err)
	}

	client, err := g.http.HTTPClient(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return doc, nil
}
