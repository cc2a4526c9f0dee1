// Package pool builds the process-wide store handle and HTTP client lazily,
// exactly once, behind a circuit breaker per resource.
package pool

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/store"
)

// StoreDialer connects to the shared store
type StoreDialer func(ctx context.Context) (store.Store, error)

// Config holds pool configuration
type Config struct {
	Breaker BreakerConfig `mapstructure:"breaker"`
	HTTP    HTTPConfig    `mapstructure:"http"`
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() Config {
	return Config{
		Breaker: DefaultBreakerConfig(),
		HTTP:    DefaultHTTPConfig(),
	}
}

// ResourceStats holds counters for one pooled resource
type ResourceStats struct {
	Built              bool         `json:"built"`
	ConnectionAttempts int64        `json:"connection_attempts"`
	ConnectionFailures int64        `json:"connection_failures"`
	RequestsTotal      int64        `json:"requests_total,omitempty"`
	RequestFailures    int64        `json:"request_failures,omitempty"`
	Breaker            BreakerStats `json:"breaker"`
}

// Stats is a snapshot of the pool
type Stats struct {
	Store ResourceStats `json:"store"`
	HTTP  ResourceStats `json:"http"`
}

type storeHandle struct {
	s store.Store
}

// Pool owns the shared store handle and HTTP client
type Pool struct {
	logger *zap.Logger
	config Config
	dial   StoreDialer

	storeBreaker *Breaker
	httpBreaker  *Breaker

	// built handles are published atomically so the fast path takes no lock
	storeRef atomic.Pointer[storeHandle]
	httpRef  atomic.Pointer[httpHandle]

	storeMu sync.Mutex
	httpMu  sync.Mutex

	storeAttempts atomic.Int64
	storeFailures atomic.Int64
	httpAttempts  atomic.Int64
	httpFailures  atomic.Int64
	httpCounters  counters

	// newHTTP builds the HTTP handle; replaced in tests
	newHTTP func(ctx context.Context) (*httpHandle, error)

	closeMu sync.Mutex
	closed  atomic.Bool
}

// New creates a pool. Nothing is connected until first use.
func New(config Config, dial StoreDialer, logger *zap.Logger) *Pool {
	logger = logger.Named("pool")
	p := &Pool{
		logger:       logger,
		config:       config,
		dial:         dial,
		storeBreaker: NewBreaker("store", config.Breaker, logger.With(zap.String("resource", "store"))),
		httpBreaker:  NewBreaker("http", config.Breaker, logger.With(zap.String("resource", "http"))),
	}
	p.newHTTP = func(ctx context.Context) (*httpHandle, error) {
		return newHTTPHandle(p.config.HTTP, &p.httpCounters, p.logger), nil
	}
	return p
}

// Store returns the shared store handle, connecting on first use. While the
// store breaker is open it fails fast with an error wrapping ErrUnavailable
// and ErrCircuitOpen.
func (p *Pool) Store(ctx context.Context) (store.Store, error) {
	if h := p.storeRef.Load(); h != nil {
		return h.s, nil
	}

	p.storeMu.Lock()
	defer p.storeMu.Unlock()

	if h := p.storeRef.Load(); h != nil {
		return h.s, nil
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if p.dial == nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ErrNoDialer)
	}

	done, err := p.storeBreaker.Allow()
	if err != nil {
		p.logger.Warn("Circuit breaker is OPEN, skipping store connection attempt")
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	p.storeAttempts.Add(1)
	s, err := p.dial(ctx)
	if err != nil {
		p.storeFailures.Add(1)
		done(false)
		p.logger.Error("Failed to establish store connection", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	done(true)
	p.storeRef.Store(&storeHandle{s: s})
	p.logger.Info("Store connection established")
	return s, nil
}

// HTTPClient returns the shared outbound HTTP client, building it on first use
func (p *Pool) HTTPClient(ctx context.Context) (*http.Client, error) {
	if h := p.httpRef.Load(); h != nil {
		return h.client, nil
	}

	p.httpMu.Lock()
	defer p.httpMu.Unlock()

	if h := p.httpRef.Load(); h != nil {
		return h.client, nil
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}

	done, err := p.httpBreaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	p.httpAttempts.Add(1)
	h, err := p.newHTTP(ctx)
	if err != nil {
		p.httpFailures.Add(1)
		done(false)
		p.logger.Error("Failed to establish HTTP connection pool", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	done(true)
	p.httpRef.Store(h)
	return h.client, nil
}

// Close releases both resources. It is safe to call before anything was
// built and more than once.
func (p *Pool) Close(ctx context.Context) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.closed.Swap(true) {
		return nil
	}

	// Wait for in-flight builds so nothing is published after Close
	p.storeMu.Lock()
	sh := p.storeRef.Swap(nil)
	p.storeMu.Unlock()

	p.httpMu.Lock()
	hh := p.httpRef.Swap(nil)
	p.httpMu.Unlock()

	var closeErr error
	if sh != nil {
		if err := sh.s.Close(ctx); err != nil {
			p.logger.Error("Error closing store connection", zap.Error(err))
			closeErr = fmt.Errorf("failed to close store: %w", err)
		} else {
			p.logger.Info("Store connection closed")
		}
	}
	if hh != nil {
		hh.close()
		p.logger.Info("HTTP connection pool closed")
	}
	return closeErr
}

// Stats returns attempt and failure counters plus breaker state per resource
func (p *Pool) Stats() Stats {
	return Stats{
		Store: ResourceStats{
			Built:              p.storeRef.Load() != nil,
			ConnectionAttempts: p.storeAttempts.Load(),
			ConnectionFailures: p.storeFailures.Load(),
			Breaker:            p.storeBreaker.Stats(),
		},
		HTTP: ResourceStats{
			Built:              p.httpRef.Load() != nil,
			ConnectionAttempts: p.httpAttempts.Load(),
			ConnectionFailures: p.httpFailures.Load(),
			RequestsTotal:      p.httpCounters.requests.Load(),
			RequestFailures:    p.httpCounters.failures.Load(),
			Breaker:            p.httpBreaker.Stats(),
		},
	}
}
