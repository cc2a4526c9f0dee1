// Package cache is a two-tier cache: a per-process memory tier grouped by
// namespace with TTL and LRU eviction, and an optional shared tier visible to
// every cluster.
package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/model"
)

// DefaultNamespace is used by callers that do not group their keys
const DefaultNamespace = "default"

// Config holds cache configuration
type Config struct {
	// DefaultTTL applies when Set is called without WithTTL
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// MaxSize caps the live entries of each namespace after cleanup
	MaxSize int `mapstructure:"max_size"`
	// CleanupInterval is the period of the Run loop
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// MinCleanupInterval throttles Cleanup calls
	MinCleanupInterval time.Duration `mapstructure:"min_cleanup_interval"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL:         300 * time.Second,
		MaxSize:            1000,
		CleanupInterval:    60 * time.Second,
		MinCleanupInterval: 10 * time.Second,
	}
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits             int64          `json:"hits"`
	Misses           int64          `json:"misses"`
	Sets             int64          `json:"sets"`
	Evictions        int64          `json:"evictions"`
	HitRate          float64        `json:"hit_rate"`
	Namespaces       int            `json:"namespaces"`
	TotalItems       int            `json:"total_items"`
	NamespaceItems   map[string]int `json:"namespace_items"`
	MemoryUsageBytes int64          `json:"memory_usage_bytes"`
}

type entry struct {
	value      any
	createdAt  int64
	expiresAt  int64
	lastAccess atomic.Int64
}

type bucket struct {
	entries sync.Map // string -> *entry
}

// Cache is safe for concurrent use. Mutations are serialized by one mutex;
// Get reads the memory tier without taking it.
type Cache struct {
	logger *zap.Logger
	config Config
	tier   Tier
	codec  *codec
	now    func() time.Time

	buckets sync.Map // string -> *bucket

	mu          sync.Mutex
	hierarchy   map[string][]string
	lastCleanup time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

// New creates a cache. tier may be nil for a memory-only cache.
func New(config Config, tier Tier, logger *zap.Logger) (*Cache, error) {
	def := DefaultConfig()
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = def.DefaultTTL
	}
	if config.MaxSize <= 0 {
		config.MaxSize = def.MaxSize
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.MinCleanupInterval < 0 {
		config.MinCleanupInterval = 0
	}

	c, err := newCodec()
	if err != nil {
		return nil, err
	}

	return &Cache{
		logger:    logger.Named("cache"),
		config:    config,
		tier:      tier,
		codec:     c,
		now:       time.Now,
		hierarchy: make(map[string][]string),
	}, nil
}

// SetOption configures a single Set call
type SetOption func(*setOptions)

type setOptions struct {
	ttl         time.Duration
	distributed bool
	compressed  bool
}

// WithTTL overrides the default TTL
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

// Distributed also writes the entry to the shared tier
func Distributed() SetOption {
	return func(o *setOptions) {
		o.distributed = true
	}
}

// Compressed zstd-compresses the shared tier copy
func Compressed() SetOption {
	return func(o *setOptions) {
		o.compressed = true
	}
}

// Get returns the value for key in namespace. A memory miss falls through to
// the shared tier, and a shared hit is promoted into memory with its
// remaining TTL. Shared tier errors count as misses.
func (c *Cache) Get(ctx context.Context, namespace, key string) (any, bool) {
	now := c.now()

	if b, ok := c.loadBucket(namespace); ok {
		if v, ok := b.entries.Load(key); ok {
			e := v.(*entry)
			if now.UnixNano() < e.expiresAt {
				e.lastAccess.Store(now.UnixNano())
				c.hits.Add(1)
				return e.value, true
			}
			b.entries.CompareAndDelete(key, e)
		}
	}

	if value, ok := c.getShared(ctx, namespace, key, now); ok {
		c.hits.Add(1)
		return value, true
	}

	c.misses.Add(1)
	return nil, false
}

func (c *Cache) getShared(ctx context.Context, namespace, key string, now time.Time) (any, bool) {
	if c.tier == nil {
		return nil, false
	}

	doc, err := c.tier.Get(ctx, namespace, key, now)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("Shared tier get failed",
				c.fields(namespace, key, err)...)
		}
		return nil, false
	}
	if !now.Before(doc.ExpiresAt) {
		return nil, false
	}

	value, err := c.codec.decode(doc.Value, doc.Compressed)
	if err != nil {
		c.logger.Error("Failed to decode shared cache entry",
			c.fields(namespace, key, err)...)
		return nil, false
	}

	c.put(namespace, key, value, now, doc.ExpiresAt)
	return value, true
}

// Set stores value in memory and, with Distributed, in the shared tier
func (c *Cache) Set(ctx context.Context, namespace, key string, value any, opts ...SetOption) {
	o := setOptions{ttl: c.config.DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}

	now := c.now()
	expiresAt := now.Add(o.ttl)
	c.put(namespace, key, value, now, expiresAt)
	c.sets.Add(1)

	if !o.distributed || c.tier == nil {
		return
	}

	data, err := c.codec.encode(value, o.compressed)
	if err != nil {
		c.logger.Error("Failed to encode cache entry",
			c.fields(namespace, key, err)...)
		return
	}

	doc := &model.CacheDocument{
		Namespace:  namespace,
		Key:        key,
		Value:      data,
		Compressed: o.compressed,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	if err := c.tier.Set(ctx, doc); err != nil {
		c.logger.Warn("Shared tier set failed",
			c.fields(namespace, key, err)...)
	}
}

func (c *Cache) put(namespace, key string, value any, now, expiresAt time.Time) {
	e := &entry{
		value:     value,
		createdAt: now.UnixNano(),
		expiresAt: expiresAt.UnixNano(),
	}
	e.lastAccess.Store(now.UnixNano())

	c.mu.Lock()
	defer c.mu.Unlock()

	v, _ := c.buckets.LoadOrStore(namespace, &bucket{})
	v.(*bucket).entries.Store(key, e)
}

func (c *Cache) loadBucket(namespace string) (*bucket, bool) {
	v, ok := c.buckets.Load(namespace)
	if !ok {
		return nil, false
	}
	return v.(*bucket), true
}

// Delete removes key from memory and from the shared tier
func (c *Cache) Delete(ctx context.Context, namespace, key string) {
	c.mu.Lock()
	if b, ok := c.loadBucket(namespace); ok {
		b.entries.Delete(key)
	}
	c.mu.Unlock()

	if c.tier != nil {
		if err := c.tier.Delete(ctx, namespace, key); err != nil {
			c.logger.Warn("Shared tier delete failed",
				c.fields(namespace, key, err)...)
		}
	}
}

// RegisterHierarchy makes invalidation of parent cascade to children
func (c *Cache) RegisterHierarchy(parent string, children ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hierarchy[parent] = append([]string(nil), children...)
}

// InvalidateNamespace drops namespace and every registered descendant from
// memory, then deletes their shared tier documents
func (c *Cache) InvalidateNamespace(ctx context.Context, namespace string) {
	c.mu.Lock()
	dropped := c.descendants(namespace)
	for _, ns := range dropped {
		c.buckets.Delete(ns)
	}
	c.mu.Unlock()

	if c.tier == nil {
		return
	}
	for _, ns := range dropped {
		if err := c.tier.DeleteNamespace(ctx, ns); err != nil {
			c.logger.Warn("Shared tier namespace delete failed",
				zap.String("namespace", ns),
				zap.Error(err))
		}
	}
}

// descendants returns namespace followed by every namespace reachable
// through the hierarchy. Callers hold mu.
func (c *Cache) descendants(namespace string) []string {
	seen := map[string]bool{namespace: true}
	out := []string{namespace}
	for i := 0; i < len(out); i++ {
		for _, child := range c.hierarchy[out[i]] {
			if !seen[child] {
				seen[child] = true
				out = append(out, child)
			}
		}
	}
	return out
}

// Clear drops every namespace, the hierarchy and the shared tier contents
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.buckets.Range(func(k, _ any) bool {
		c.buckets.Delete(k)
		return true
	})
	clear(c.hierarchy)
	c.mu.Unlock()

	if c.tier != nil {
		if err := c.tier.Clear(ctx); err != nil {
			c.logger.Warn("Shared tier clear failed", zap.Error(err))
		}
	}
}

// Keys returns the keys held in memory for namespace, sorted
func (c *Cache) Keys(namespace string) []string {
	b, ok := c.loadBucket(namespace)
	if !ok {
		return nil
	}

	var keys []string
	b.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Cleanup removes expired entries, evicts the least recently accessed
// entries of any namespace over MaxSize and drops empty namespaces. Calls
// closer together than MinCleanupInterval do nothing. It returns the number
// of evicted entries.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastCleanup.IsZero() && now.Sub(c.lastCleanup) < c.config.MinCleanupInterval {
		return 0
	}
	c.lastCleanup = now
	nowNano := now.UnixNano()

	type live struct {
		key    string
		access int64
	}

	evicted := 0
	c.buckets.Range(func(ns, v any) bool {
		b := v.(*bucket)

		var alive []live
		b.entries.Range(func(k, v any) bool {
			e := v.(*entry)
			if e.expiresAt <= nowNano {
				b.entries.Delete(k)
				evicted++
			} else {
				alive = append(alive, live{key: k.(string), access: e.lastAccess.Load()})
			}
			return true
		})

		if over := len(alive) - c.config.MaxSize; over > 0 {
			sort.Slice(alive, func(i, j int) bool { return alive[i].access < alive[j].access })
			for _, l := range alive[:over] {
				b.entries.Delete(l.key)
			}
			evicted += over
			alive = alive[over:]
		}

		if len(alive) == 0 {
			c.buckets.Delete(ns)
		}
		return true
	})

	c.evictions.Add(int64(evicted))
	if evicted > 0 {
		c.logger.Debug("Cache cleanup finished", zap.Int("evicted", evicted))
	}
	return evicted
}

// Stats returns hit and eviction counters plus per-namespace counts
func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{
		Hits:           hits,
		Misses:         misses,
		Sets:           c.sets.Load(),
		Evictions:      c.evictions.Load(),
		NamespaceItems: make(map[string]int),
	}
	if hits+misses > 0 {
		s.HitRate = float64(hits) / float64(hits+misses)
	}

	c.buckets.Range(func(ns, v any) bool {
		n := 0
		v.(*bucket).entries.Range(func(_, v any) bool {
			n++
			s.MemoryUsageBytes += sizeOf(v.(*entry).value)
			return true
		})
		s.NamespaceItems[ns.(string)] = n
		s.TotalItems += n
		return true
	})
	s.Namespaces = len(s.NamespaceItems)
	return s
}

// Run calls Cleanup every CleanupInterval until ctx is done
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

func (c *Cache) fields(namespace, key string, err error) []zap.Field {
	return []zap.Field{
		zap.String("namespace", namespace),
		zap.String("key", key),
		zap.Error(err),
	}
}

// Close releases the codec
func (c *Cache) Close() {
	c.codec.close()
}
