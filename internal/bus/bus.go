// Package bus publishes cluster heartbeats and carries cross-cluster events
// through the shared store. Delivery is at least once per consumer cluster,
// deduplicated per consumer, and bounded by each event's expiry.
package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/store"
)

// StoreProvider hands out the shared store, typically a *pool.Pool
type StoreProvider interface {
	Store(ctx context.Context) (store.Store, error)
}

// ShardSource reports live gateway figures for the local shards
type ShardSource interface {
	// ShardLatencies returns the heartbeat latency in milliseconds per shard
	ShardLatencies() map[int]float64
	// GuildCounts returns the number of guilds served per shard
	GuildCounts() map[int]int
}

// Sampler samples resource usage of the current process
type Sampler interface {
	Self() (*model.ProcessStats, error)
}

// Handler processes one event. A returned error leaves the event unmarked
// so it is retried on a later poll.
type Handler func(ctx context.Context, evt *model.CrossClusterEvent) error

// Config holds bus configuration
type Config struct {
	ClusterID     int
	TotalClusters int
	ShardIDs      []int
	Version       string

	StatusInterval time.Duration `mapstructure:"status_interval"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	EventTTL       time.Duration `mapstructure:"event_ttl"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// DefaultConfig returns the default intervals
func DefaultConfig() Config {
	return Config{
		TotalClusters:  1,
		ShardIDs:       []int{0},
		Version:        "dev",
		StatusInterval: 30 * time.Second,
		PollInterval:   5 * time.Second,
		EventTTL:       5 * time.Minute,
		StaleAfter:     5 * time.Minute,
		BatchSize:      100,
	}
}

// Metrics is a snapshot of bus counters
type Metrics struct {
	EventsSent     int64         `json:"events_sent"`
	EventsReceived int64         `json:"events_received"`
	EventsFailed   int64         `json:"events_failed"`
	HealthChecks   int64         `json:"health_checks"`
	Uptime         time.Duration `json:"uptime"`
	ClusterID      int           `json:"cluster_id"`
	TotalClusters  int           `json:"total_clusters"`
	ManagedShards  []int         `json:"managed_shards"`
}

// Bus is the per-cluster health publisher and event consumer
type Bus struct {
	logger   *zap.Logger
	config   Config
	stores   StoreProvider
	gateway  ShardSource
	sampler  Sampler
	notifier Notifier
	now      func() time.Time

	startTime time.Time

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// processMu serializes ProcessPendingEvents. delivered remembers events
	// already dispatched here, keyed by id, until their expiry. retries holds
	// events whose handler failed, left out of the batch until their next
	// attempt is due.
	processMu sync.Mutex
	delivered map[string]time.Time
	retries   map[string]*retryState

	wake chan struct{}

	eventsSent     atomic.Int64
	eventsReceived atomic.Int64
	eventsFailed   atomic.Int64
	healthChecks   atomic.Int64
}

// maxRetryDelay caps the wait before a failed event is dispatched again
const maxRetryDelay = time.Minute

type retryState struct {
	attempts  int
	next      time.Time
	expiresAt time.Time
}

// retryDelay doubles the poll interval per failed attempt up to maxRetryDelay
func (b *Bus) retryDelay(attempts int) time.Duration {
	delay := b.config.PollInterval
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return min(delay, maxRetryDelay)
}

// Option configures a Bus
type Option func(*Bus)

// WithShardSource sets the gateway figures reported in heartbeats
func WithShardSource(src ShardSource) Option {
	return func(b *Bus) {
		b.gateway = src
	}
}

// WithSampler sets the process sampler reported in heartbeats
func WithSampler(s Sampler) Option {
	return func(b *Bus) {
		b.sampler = s
	}
}

// WithNotifier enables broker wake-ups in addition to polling
func WithNotifier(n Notifier) Option {
	return func(b *Bus) {
		b.notifier = n
	}
}

// New creates a bus for one cluster
func New(config Config, stores StoreProvider, logger *zap.Logger, opts ...Option) *Bus {
	def := DefaultConfig()
	if config.StatusInterval <= 0 {
		config.StatusInterval = def.StatusInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.EventTTL <= 0 {
		config.EventTTL = def.EventTTL
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if len(config.ShardIDs) == 0 {
		config.ShardIDs = def.ShardIDs
	}
	if config.TotalClusters <= 0 {
		config.TotalClusters = def.TotalClusters
	}

	b := &Bus{
		logger:    logger.Named("bus").With(zap.Int("cluster_id", config.ClusterID)),
		config:    config,
		stores:    stores,
		now:       time.Now,
		handlers:  make(map[string]Handler),
		delivered: make(map[string]time.Time),
		retries:   make(map[string]*retryState),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.startTime = b.now()
	return b
}

// Handle registers the handler for an event type, replacing any previous one
func (b *Bus) Handle(eventType string, h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[eventType] = h
}

// PublishStatus upserts this cluster's heartbeat record
func (b *Bus) PublishStatus(ctx context.Context) error {
	s, err := b.stores.Store(ctx)
	if err != nil {
		return fmt.Errorf("failed to get store: %w", err)
	}

	rec := b.statusRecord()
	if err := s.UpsertStatus(ctx, rec); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}

	b.healthChecks.Add(1)
	b.logger.Debug("Published shard status",
		zap.Float64("memory_mb", rec.MemoryMB),
		zap.Float64("cpu_percent", rec.CPUPercent))
	return nil
}

func (b *Bus) statusRecord() *model.ShardStatusRecord {
	now := b.now()
	rec := &model.ShardStatusRecord{
		ClusterID:   b.config.ClusterID,
		ShardIDs:    slices.Clone(b.config.ShardIDs),
		Status:      model.ShardStatusOnline,
		LatencyMS:   map[int]float64{},
		GuildCounts: map[int]int{},
		Uptime:      now.Sub(b.startTime),
		LastUpdated: now,
		ProcessID:   os.Getpid(),
		Version:     b.config.Version,
		GoVersion:   runtime.Version(),
		System:      runtime.GOOS + "/" + runtime.GOARCH,
	}

	if b.gateway != nil {
		rec.LatencyMS = b.gateway.ShardLatencies()
		rec.GuildCounts = b.gateway.GuildCounts()
	}

	if b.sampler != nil {
		stats, err := b.sampler.Self()
		if err != nil {
			b.logger.Warn("Failed to sample process", zap.Error(err))
		} else {
			rec.MemoryMB = stats.MemoryMB
			rec.CPUPercent = stats.CPUPercent
			rec.ThreadCount = stats.ThreadCount
		}
	}
	return rec
}

// SendOption configures a single SendEvent call
type SendOption func(*sendOptions)

type sendOptions struct {
	targets     []int
	includeSelf bool
	ttl         time.Duration
}

// TargetShards addresses only clusters owning at least one of ids. No ids
// means every cluster.
func TargetShards(ids ...int) SendOption {
	return func(o *sendOptions) {
		if len(ids) == 0 {
			o.targets = nil
			return
		}
		o.targets = slices.Clone(ids)
	}
}

// IncludeSelf lets the producing cluster consume its own event
func IncludeSelf() SendOption {
	return func(o *sendOptions) {
		o.includeSelf = true
	}
}

// WithEventTTL overrides the event expiry
func WithEventTTL(ttl time.Duration) SendOption {
	return func(o *sendOptions) {
		o.ttl = ttl
	}
}

// SendEvent stores a new event and returns its id. Success means the event
// was stored; delivery to consumers is not confirmed.
func (b *Bus) SendEvent(ctx context.Context, eventType string, payload map[string]any, opts ...SendOption) (string, error) {
	if eventType == "" {
		return "", ErrEmptyEventType
	}

	o := sendOptions{ttl: b.config.EventTTL}
	for _, opt := range opts {
		opt(&o)
	}

	now := b.now()
	evt := &model.CrossClusterEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		Payload:       payload,
		SourceCluster: b.config.ClusterID,
		TargetShards:  o.targets,
		CreatedAt:     now,
		ExpiresAt:     now.Add(o.ttl),
		ProcessedBy:   []int{},
	}
	if !o.includeSelf {
		evt.ProcessedBy = []int{b.config.ClusterID}
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}

	s, err := b.stores.Store(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get store: %w", err)
	}
	if err := s.InsertEvent(ctx, evt); err != nil {
		return "", fmt.Errorf("failed to send event: %w", err)
	}
	b.eventsSent.Add(1)

	if b.notifier != nil {
		if err := b.notifier.Notify(ctx, evt); err != nil {
			b.logger.Warn("Failed to notify event", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}

	b.logger.Debug("Sent event",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.Ints("target_shards", evt.TargetShards))
	return evt.ID, nil
}

// ProcessPendingEvents dispatches every eligible event once, marks it
// processed for this cluster and purges expired events. An event whose
// handler fails stays unmarked and is skipped with a growing delay, so it
// never holds back newer events. Concurrent calls are serialized. It returns
// the number of events marked processed.
func (b *Bus) ProcessPendingEvents(ctx context.Context) (int, error) {
	b.processMu.Lock()
	defer b.processMu.Unlock()

	s, err := b.stores.Store(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get store: %w", err)
	}

	now := b.now()
	var backingOff []string
	for id, r := range b.retries {
		if now.Before(r.next) {
			backingOff = append(backingOff, id)
		}
	}

	events, err := s.PendingEvents(ctx, store.EventQuery{
		ClusterID: b.config.ClusterID,
		ShardIDs:  b.config.ShardIDs,
		Now:       now,
		Limit:     b.config.BatchSize,
		Exclude:   backingOff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query pending events: %w", err)
	}

	processed := 0
	for _, evt := range events {
		if ctx.Err() != nil {
			break
		}

		if _, done := b.delivered[evt.ID]; !done {
			if err := b.dispatch(ctx, evt); err != nil {
				b.eventsFailed.Add(1)
				r := b.retries[evt.ID]
				if r == nil {
					r = &retryState{expiresAt: evt.ExpiresAt}
					b.retries[evt.ID] = r
				}
				r.attempts++
				r.next = now.Add(b.retryDelay(r.attempts))
				b.logger.Error("Failed to process event",
					zap.String("event_id", evt.ID),
					zap.String("event_type", evt.Type),
					zap.Int("attempts", r.attempts),
					zap.Time("next_attempt", r.next),
					zap.Error(err))
				continue
			}
			delete(b.retries, evt.ID)
			b.delivered[evt.ID] = evt.ExpiresAt
			b.eventsReceived.Add(1)
		}

		if _, err := s.MarkProcessed(ctx, evt.ID, b.config.ClusterID); err != nil {
			if !errors.Is(err, store.ErrEventNotFound) {
				b.logger.Warn("Failed to mark event processed",
					zap.String("event_id", evt.ID),
					zap.Error(err))
			}
			continue
		}
		processed++
	}

	if deleted, err := s.DeleteExpiredEvents(ctx, now); err != nil {
		b.logger.Warn("Failed to purge expired events", zap.Error(err))
	} else if deleted > 0 {
		b.logger.Debug("Purged expired events", zap.Int64("deleted", deleted))
	}

	for id, expiresAt := range b.delivered {
		if !now.Before(expiresAt) {
			delete(b.delivered, id)
		}
	}
	for id, r := range b.retries {
		if !now.Before(r.expiresAt) {
			delete(b.retries, id)
		}
	}

	return processed, nil
}

func (b *Bus) dispatch(ctx context.Context, evt *model.CrossClusterEvent) (err error) {
	b.handlersMu.RLock()
	h, ok := b.handlers[evt.Type]
	b.handlersMu.RUnlock()

	if !ok {
		b.logger.Debug("No handler for event type", zap.String("event_type", evt.Type))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, evt)
}

// GetAllShardStatuses returns heartbeat records updated within StaleAfter
func (b *Bus) GetAllShardStatuses(ctx context.Context) ([]*model.ShardStatusRecord, error) {
	s, err := b.stores.Store(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}

	recs, err := s.ListStatuses(ctx, b.now().Add(-b.config.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	return recs, nil
}

// Metrics returns a snapshot of the bus counters
func (b *Bus) Metrics() Metrics {
	return Metrics{
		EventsSent:     b.eventsSent.Load(),
		EventsReceived: b.eventsReceived.Load(),
		EventsFailed:   b.eventsFailed.Load(),
		HealthChecks:   b.healthChecks.Load(),
		Uptime:         b.now().Sub(b.startTime),
		ClusterID:      b.config.ClusterID,
		TotalClusters:  b.config.TotalClusters,
		ManagedShards:  slices.Clone(b.config.ShardIDs),
	}
}

// Run publishes status every StatusInterval and polls for events every
// PollInterval, or sooner on a notifier wake-up, until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	if b.notifier != nil {
		unsubscribe, err := b.notifier.Subscribe(ctx, b.Wake)
		if err != nil {
			b.logger.Warn("Failed to subscribe to event notifications, polling only", zap.Error(err))
		} else {
			defer unsubscribe()
		}
	}

	b.logger.Info("Started shard monitoring",
		zap.Ints("shard_ids", b.config.ShardIDs),
		zap.Duration("status_interval", b.config.StatusInterval),
		zap.Duration("poll_interval", b.config.PollInterval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.statusLoop(ctx)
		return nil
	})
	g.Go(func() error {
		b.eventLoop(ctx)
		return nil
	})
	return g.Wait()
}

// Wake triggers an immediate poll from Run
func (b *Bus) Wake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.StatusInterval)
	defer ticker.Stop()

	for {
		if err := b.PublishStatus(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("Error updating shard status", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bus) eventLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.wake:
		}

		if _, err := b.ProcessPendingEvents(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("Error processing pending events", zap.Error(err))
		}
	}
}
