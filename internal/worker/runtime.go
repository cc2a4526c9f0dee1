// Package worker assembles the per-process runtime of one cluster worker:
// the connection pool, the tiered cache and the event bus, with an explicit
// lifecycle instead of process globals.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/clusterd/internal/bus"
	"github.com/t77yq/clusterd/internal/cache"
	"github.com/t77yq/clusterd/internal/config"
	"github.com/t77yq/clusterd/internal/monitor"
	"github.com/t77yq/clusterd/internal/pool"
	"github.com/t77yq/clusterd/internal/store"
	"github.com/t77yq/clusterd/internal/store/memory"
	"github.com/t77yq/clusterd/internal/store/mongo"
	"github.com/t77yq/clusterd/internal/store/sqlite"
)

// Runtime owns the shared components of one worker process
type Runtime struct {
	logger   *zap.Logger
	config   *config.Worker
	gateway  Gateway
	Pool     *pool.Pool
	Cache    *cache.Cache
	Bus      *bus.Bus
	Commands *CommandRegistry

	nc       *nats.Conn
	ncClosed chan struct{}
	redis    redis.UniversalClient

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Runtime
type Option func(*options)

type options struct {
	dial    pool.StoreDialer
	gateway func(*Runtime) Gateway
}

// WithStoreDialer replaces the dialer derived from the store configuration
func WithStoreDialer(dial pool.StoreDialer) Option {
	return func(o *options) {
		o.dial = dial
	}
}

// WithGateway supplies the platform session. Without it a StaticGateway
// for the configured shards is created and marked ready.
func WithGateway(g Gateway) Option {
	return func(o *options) {
		o.gateway = func(*Runtime) Gateway { return g }
	}
}

// New builds the runtime. Connections to the store are made lazily by the
// pool; redis and NATS are connected here when configured.
func New(ctx context.Context, cfg *config.Worker, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	o := options{dial: StoreDialer(cfg.Store, logger)}
	for _, opt := range opts {
		opt(&o)
	}

	logger = logger.With(zap.Int("cluster_id", cfg.ClusterID))
	r := &Runtime{
		logger:   logger.Named("runtime"),
		config:   cfg,
		Pool:     pool.New(cfg.Pool, o.dial, logger),
		Commands: NewCommandRegistry(logger),
	}

	var tier cache.Tier = cache.NewPoolTier(r.Pool)
	if cfg.Cache.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cache.RedisOptions{
			Addrs:    cfg.Cache.Redis.Addrs,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		r.redis = client
		tier = cache.NewRedisTier(client, cfg.Cache.Redis.Prefix)
	}

	c, err := cache.New(cfg.Cache.Config, tier, logger)
	if err != nil {
		r.closeClients()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	r.Cache = c

	if o.gateway != nil {
		r.gateway = o.gateway(r)
	} else {
		g := NewStaticGateway(cfg.ShardIDs, cfg.TotalShards, c, r.Pool, cfg.Gateway.APIBase, logger)
		g.MarkReady()
		r.gateway = g
	}

	busOpts := []bus.Option{bus.WithShardSource(r.gateway)}
	if collector, err := monitor.NewCollector(cfg.Monitor, logger); err != nil {
		logger.Warn("Process sampling disabled", zap.Error(err))
	} else {
		busOpts = append(busOpts, bus.WithSampler(collector))
	}

	if cfg.NATS.URL != "" {
		closed := make(chan struct{})
		nc, err := connectNATS(cfg.NATS, cfg.ClusterID, closed, logger)
		if err != nil {
			logger.Warn("Event notifications disabled, polling only", zap.Error(err))
		} else {
			r.nc = nc
			r.ncClosed = closed
			busOpts = append(busOpts, bus.WithNotifier(bus.NewNATSNotifier(nc, cfg.NATS.Subject, logger)))
		}
	}

	r.Bus = bus.New(cfg.Bus, r.Pool, logger, busOpts...)
	r.Bus.RegisterDefaults(bus.Dependencies{
		Cache:    r.Cache,
		Gateway:  r.gateway,
		Commands: r.Commands,
	})
	return r, nil
}

// Gateway returns the platform session in use
func (r *Runtime) Gateway() Gateway {
	return r.gateway
}

// Run starts the cache cleanup loop, waits for the gateway and then runs
// the bus until ctx is done
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("Starting worker",
		zap.Int("total_clusters", r.config.TotalClusters),
		zap.Ints("shard_ids", r.config.ShardIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Cache.Run(ctx)
	})
	g.Go(func() error {
		if err := r.gateway.Ready(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway not ready: %w", err)
		}
		return r.Bus.Run(ctx)
	})
	return g.Wait()
}

// Close tears down the bus transport, then the cache, then the pool. Only
// the first call has an effect.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error

		if r.nc != nil {
			if err := r.nc.Drain(); err != nil {
				errs = append(errs, fmt.Errorf("failed to drain nats: %w", err))
			} else {
				select {
				case <-r.ncClosed:
				case <-ctx.Done():
					r.nc.Close()
				}
			}
		}

		r.Cache.Close()
		if r.redis != nil {
			if err := r.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
			}
		}

		if err := r.Pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close pool: %w", err))
		}

		r.closeErr = errors.Join(errs...)
		r.logger.Info("Worker closed")
	})
	return r.closeErr
}

func (r *Runtime) closeClients() {
	if r.redis != nil {
		_ = r.redis.Close()
	}
}

// StoreDialer connects to the configured store backend and prepares its
// collections
func StoreDialer(cfg config.StoreConfig, logger *zap.Logger) pool.StoreDialer {
	return func(ctx context.Context) (store.Store, error) {
		var (
			s   store.Store
			err error
		)

		switch cfg.Driver {
		case config.DriverMongo:
			s, err = mongo.Open(ctx, logger.Named("mongo"), mongo.Options{
				URI:                    cfg.Mongo.ConnectionURI(),
				Database:               cfg.Mongo.Database,
				MaxPoolSize:            cfg.Mongo.MaxPoolSize,
				MinPoolSize:            cfg.Mongo.MinPoolSize,
				MaxConnIdleTime:        cfg.Mongo.MaxConnIdleTime,
				ConnectTimeout:         cfg.Mongo.ConnectTimeout,
				ServerSelectionTimeout: cfg.Mongo.ServerSelectionTimeout,
			})
		case config.DriverSQLite:
			s, err = sqlite.New(logger.Named("sqlite"), cfg.SQLite.Path)
		case config.DriverMemory:
			s = memory.New()
		default:
			err = fmt.Errorf("unknown store driver %q", cfg.Driver)
		}
		if err != nil {
			return nil, err
		}

		if err := s.Migrate(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("failed to migrate store: %w", err)
		}
		return s, nil
	}
}

// connectNATS dials the broker; closed is closed once the connection has
// fully shut down
func connectNATS(cfg config.NATSConfig, clusterID int, closed chan struct{}, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("clusterd-worker-%d", clusterID)),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			close(closed)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
