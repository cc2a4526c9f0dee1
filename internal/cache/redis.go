package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/t77yq/clusterd/internal/model"
)

// RedisClient is the subset of go-redis used by RedisTier
type RedisClient interface {
	keyScanner
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	ExpireGT(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// keyScanner is what Clear needs from a single node
type keyScanner interface {
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// masterIterator is implemented by *redis.ClusterClient
type masterIterator interface {
	ForEachMaster(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error
}

// RedisOptions configures NewRedisClient
type RedisOptions struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
}

// NewRedisClient creates a universal client and verifies it with a ping
func NewRedisClient(ctx context.Context, opts RedisOptions) (redis.UniversalClient, error) {
	if len(opts.Addrs) == 0 {
		return nil, errors.New("redis addrs is empty")
	}

	c := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opts.Addrs,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return c, nil
}

// RedisTier keeps shared entries in redis with native expiry. Each
// namespace has a companion set of its member keys for bulk invalidation.
// Keys carry the namespace as a hash tag, so in cluster mode an entry and
// its index live in the same slot.
type RedisTier struct {
	client RedisClient
	prefix string
}

var _ Tier = (*RedisTier)(nil)

// NewRedisTier creates a tier whose keys all start with prefix. The prefix
// must not contain '{' or it would become the hash tag.
func NewRedisTier(client RedisClient, prefix string) *RedisTier {
	if prefix == "" {
		prefix = "clusterd:cache:"
	}
	return &RedisTier{client: client, prefix: prefix}
}

type redisDoc struct {
	Value      []byte    `msgpack:"v"`
	Compressed bool      `msgpack:"c"`
	CreatedAt  time.Time `msgpack:"t"`
	ExpiresAt  time.Time `msgpack:"e"`
}

func (t *RedisTier) entryKey(namespace, key string) string {
	return t.prefix + "{" + namespace + "}:e:" + key
}

func (t *RedisTier) namespaceKey(namespace string) string {
	return t.prefix + "{" + namespace + "}:ns"
}

func (t *RedisTier) Get(ctx context.Context, namespace, key string, now time.Time) (*model.CacheDocument, error) {
	data, err := t.client.Get(ctx, t.entryKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get redis entry: %w", err)
	}

	var d redisDoc
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode redis entry: %w", err)
	}
	if !now.Before(d.ExpiresAt) {
		return nil, ErrMiss
	}

	return &model.CacheDocument{
		Namespace:  namespace,
		Key:        key,
		Value:      d.Value,
		Compressed: d.Compressed,
		CreatedAt:  d.CreatedAt,
		ExpiresAt:  d.ExpiresAt,
	}, nil
}

func (t *RedisTier) Set(ctx context.Context, doc *model.CacheDocument) error {
	ttl := time.Until(doc.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := msgpack.Marshal(&redisDoc{
		Value:      doc.Value,
		Compressed: doc.Compressed,
		CreatedAt:  doc.CreatedAt,
		ExpiresAt:  doc.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode redis entry: %w", err)
	}

	entryKey := t.entryKey(doc.Namespace, doc.Key)
	if err := t.client.Set(ctx, entryKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set redis entry: %w", err)
	}
	nsKey := t.namespaceKey(doc.Namespace)
	if err := t.client.SAdd(ctx, nsKey, entryKey).Err(); err != nil {
		return fmt.Errorf("failed to index redis entry: %w", err)
	}

	// The index lives as long as its longest-lived entry
	if err := t.client.ExpireNX(ctx, nsKey, ttl).Err(); err != nil {
		return fmt.Errorf("failed to expire redis index: %w", err)
	}
	if err := t.client.ExpireGT(ctx, nsKey, ttl).Err(); err != nil {
		return fmt.Errorf("failed to extend redis index: %w", err)
	}
	return nil
}

func (t *RedisTier) Delete(ctx context.Context, namespace, key string) error {
	if err := t.client.Del(ctx, t.entryKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete redis entry: %w", err)
	}
	return nil
}

func (t *RedisTier) DeleteNamespace(ctx context.Context, namespace string) error {
	nsKey := t.namespaceKey(namespace)
	keys, err := t.client.SMembers(ctx, nsKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list redis namespace: %w", err)
	}

	if err := t.client.Del(ctx, append(keys, nsKey)...).Err(); err != nil {
		return fmt.Errorf("failed to delete redis namespace: %w", err)
	}
	return nil
}

// Clear removes every key under the prefix. A cluster client is scanned
// master by master since SCAN only covers the node it runs on.
func (t *RedisTier) Clear(ctx context.Context) error {
	if c, ok := t.client.(masterIterator); ok {
		return c.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return t.clearNode(ctx, node)
		})
	}
	return t.clearNode(ctx, t.client)
}

// clearNode deletes keys one at a time; scanned keys span slots
func (t *RedisTier) clearNode(ctx context.Context, node keyScanner) error {
	var cursor uint64
	for {
		keys, next, err := node.Scan(ctx, cursor, t.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan redis keys: %w", err)
		}
		for _, key := range keys {
			if err := node.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("failed to clear redis key %s: %w", key, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
