package cache

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/store"
)

// Tier is a shared cache tier. Get returns ErrMiss when the entry does not
// exist or has expired at now.
type Tier interface {
	Get(ctx context.Context, namespace, key string, now time.Time) (*model.CacheDocument, error)
	Set(ctx context.Context, doc *model.CacheDocument) error
	Delete(ctx context.Context, namespace, key string) error
	DeleteNamespace(ctx context.Context, namespace string) error
	Clear(ctx context.Context) error
}

// StoreProvider hands out the shared store, typically a *pool.Pool
type StoreProvider interface {
	Store(ctx context.Context) (store.Store, error)
}

// PoolTier keeps shared entries in the store's cache collection. The store
// is obtained on every call, so an open circuit surfaces as a tier error.
type PoolTier struct {
	provider StoreProvider
}

var _ Tier = (*PoolTier)(nil)

// NewPoolTier creates a tier backed by provider
func NewPoolTier(provider StoreProvider) *PoolTier {
	return &PoolTier{provider: provider}
}

func (t *PoolTier) Get(ctx context.Context, namespace, key string, now time.Time) (*model.CacheDocument, error) {
	s, err := t.provider.Store(ctx)
	if err != nil {
		return nil, err
	}

	doc, err := s.GetCache(ctx, namespace, key, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMiss
	}
	return doc, err
}

func (t *PoolTier) Set(ctx context.Context, doc *model.CacheDocument) error {
	s, err := t.provider.Store(ctx)
	if err != nil {
		return err
	}
	return s.SetCache(ctx, doc)
}

func (t *PoolTier) Delete(ctx context.Context, namespace, key string) error {
	s, err := t.provider.Store(ctx)
	if err != nil {
		return err
	}
	return s.DeleteCache(ctx, namespace, key)
}

func (t *PoolTier) DeleteNamespace(ctx context.Context, namespace string) error {
	s, err := t.provider.Store(ctx)
	if err != nil {
		return err
	}
	_, err = s.DeleteCacheNamespace(ctx, namespace)
	return err
}

func (t *PoolTier) Clear(ctx context.Context) error {
	s, err := t.provider.Store(ctx)
	if err != nil {
		return err
	}
	return s.ClearCache(ctx)
}
