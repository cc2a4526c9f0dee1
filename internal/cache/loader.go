package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Loader produces a value on a cache miss
type Loader[T any] func(ctx context.Context) (T, error)

// GetOrLoad returns the cached value for key or calls load and caches its
// result. Load errors are returned and nothing is cached.
func GetOrLoad[T any](ctx context.Context, c *Cache, namespace, key string, load Loader[T], opts ...SetOption) (T, error) {
	if v, ok := c.Get(ctx, namespace, key); ok {
		out, err := convert[T](v)
		if err == nil {
			return out, nil
		}
		c.logger.Warn("Discarding cached value of unexpected type",
			c.fields(namespace, key, err)...)
	}

	out, err := load(ctx)
	if err != nil {
		return out, err
	}
	c.Set(ctx, namespace, key, out, opts...)
	return out, nil
}

// Key builds a compact cache key from arbitrary parts
func Key(parts ...any) string {
	d := xxhash.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = d.Write([]byte{0})
		}
		_, _ = d.WriteString(fmt.Sprint(p))
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
