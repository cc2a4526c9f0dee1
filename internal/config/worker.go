package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/t77yq/clusterd/internal/bus"
	"github.com/t77yq/clusterd/internal/cache"
	"github.com/t77yq/clusterd/internal/monitor"
	"github.com/t77yq/clusterd/internal/pool"
	"github.com/t77yq/clusterd/internal/shard"
)

// RedisConfig enables the redis shared cache tier instead of the store
type RedisConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Prefix   string   `mapstructure:"prefix"`
}

// CacheConfig holds cache sizing plus the optional redis tier
type CacheConfig struct {
	cache.Config `mapstructure:",squash"`
	Redis        RedisConfig `mapstructure:"redis"`
}

// NATSConfig enables broker wake-ups for the event bus. An empty URL
// leaves the bus on polling only.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"connect_timeout"`
}

// GatewayConfig describes the platform REST endpoint used to re-fetch
// entities. An empty APIBase limits re-fetches to cache invalidation.
type GatewayConfig struct {
	APIBase string `mapstructure:"api_base"`
}

// Worker is the configuration of one cluster worker process
type Worker struct {
	ClusterID     int    `mapstructure:"cluster_id"`
	TotalClusters int    `mapstructure:"total_clusters"`
	TotalShards   int    `mapstructure:"shard_count"`
	ShardList     string `mapstructure:"shard_ids"`
	ShardIDs      []int  `mapstructure:"-"`
	Version       string `mapstructure:"version"`

	Log     LogConfig               `mapstructure:"log"`
	Store   StoreConfig             `mapstructure:"store"`
	Pool    pool.Config             `mapstructure:"pool"`
	Cache   CacheConfig             `mapstructure:"cache"`
	Bus     bus.Config              `mapstructure:"bus"`
	NATS    NATSConfig              `mapstructure:"nats"`
	Monitor monitor.CollectorConfig `mapstructure:"monitor"`
	Gateway GatewayConfig           `mapstructure:"gateway"`
}

// WorkerFlags registers the worker launch flags on fs
func WorkerFlags(fs *pflag.FlagSet) {
	fs.Int("cluster", 0, "Cluster ID for this instance")
	fs.Int("clusters", 1, "Total number of clusters")
	fs.Int("shards", 1, "Total number of shards")
	fs.String("shardids", "", "Comma-separated list of shard IDs to run")
	fs.String("config", "", "Path to the config file")
	fs.Bool("debug", false, "Enable development logging")
}

// LoadWorker resolves the worker configuration from defaults, the config
// file, the environment and the parsed flags in fs, in increasing priority
func LoadWorker(fs *pflag.FlagSet) (*Worker, error) {
	v := newViper()
	setWorkerDefaults(v)

	if err := bindFlags(v, fs, map[string]string{
		"cluster_id":      "cluster",
		"total_clusters":  "clusters",
		"shard_count":     "shards",
		"shard_ids":       "shardids",
		"log.development": "debug",
	}); err != nil {
		return nil, err
	}

	if err := bindEnv(v, map[string][]string{
		"cluster_id":           {"CLUSTERD_CLUSTER_ID", "CLUSTER_ID"},
		"total_clusters":       {"CLUSTERD_TOTAL_CLUSTERS", "TOTAL_CLUSTERS"},
		"shard_count":          {"CLUSTERD_SHARD_COUNT", "SHARD_COUNT"},
		"log.level":            {"CLUSTERD_LOG_LEVEL", "LOG_LEVEL"},
		"store.mongo.uri":      {"CLUSTERD_STORE_MONGO_URI", "MONGODB_URI", "MONGO_URI"},
		"store.mongo.host":     {"CLUSTERD_STORE_MONGO_HOST", "MONGO_HOST"},
		"store.mongo.username": {"CLUSTERD_STORE_MONGO_USERNAME", "MONGO_USER"},
		"store.mongo.password": {"CLUSTERD_STORE_MONGO_PASSWORD", "MONGO_PASS"},
		"store.mongo.database": {"CLUSTERD_STORE_MONGO_DATABASE", "MONGO_DB"},
	}); err != nil {
		return nil, err
	}

	path, _ := fs.GetString("config")
	if err := readConfig(v, "worker", path); err != nil {
		return nil, err
	}

	var w Worker
	if err := v.Unmarshal(&w); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate checks the launch contract, resolves the shard list and copies
// the cluster identity into the bus configuration
func (w *Worker) Validate() error {
	if w.TotalClusters < 1 {
		return fmt.Errorf("%w: total clusters must be at least 1, got %d", ErrInvalid, w.TotalClusters)
	}
	if w.ClusterID < 0 || w.ClusterID >= w.TotalClusters {
		return fmt.Errorf("%w: cluster id %d must be less than total clusters %d", ErrInvalid, w.ClusterID, w.TotalClusters)
	}

	// Explicit shard ids are used verbatim
	if w.ShardList != "" {
		ids, err := shard.Parse(w.ShardList)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		w.ShardIDs = ids
	} else {
		ids, err := shard.ForCluster(w.ClusterID, w.TotalClusters, w.TotalShards)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		w.ShardIDs = ids
	}

	switch w.Store.Driver {
	case DriverMongo, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, w.Store.Driver)
	}

	if w.Cache.Redis.Enabled && len(w.Cache.Redis.Addrs) == 0 {
		return fmt.Errorf("%w: redis cache tier enabled without addresses", ErrInvalid)
	}

	w.Bus.ClusterID = w.ClusterID
	w.Bus.TotalClusters = w.TotalClusters
	w.Bus.ShardIDs = w.ShardIDs
	w.Bus.Version = w.Version
	return nil
}

func setWorkerDefaults(v *viper.Viper) {
	v.SetDefault("cluster_id", 0)
	v.SetDefault("total_clusters", 1)
	v.SetDefault("shard_count", 1)
	v.SetDefault("shard_ids", "")
	v.SetDefault("version", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	setStoreDefaults(v)

	p := pool.DefaultConfig()
	v.SetDefault("pool.breaker.threshold", p.Breaker.Threshold)
	v.SetDefault("pool.breaker.timeout", p.Breaker.Timeout)
	v.SetDefault("pool.http.max_conns", p.HTTP.MaxConns)
	v.SetDefault("pool.http.max_conns_per_host", p.HTTP.MaxConnsPerHost)
	v.SetDefault("pool.http.keep_alive", p.HTTP.KeepAlive)
	v.SetDefault("pool.http.idle_conn_timeout", p.HTTP.IdleConnTimeout)
	v.SetDefault("pool.http.timeout", p.HTTP.Timeout)
	v.SetDefault("pool.http.dns_cache_ttl", p.HTTP.DNSCacheTTL)
	v.SetDefault("pool.http.rate_limit", p.HTTP.RateLimit)
	v.SetDefault("pool.http.rate_burst", p.HTTP.RateBurst)
	v.SetDefault("pool.http.user_agent", p.HTTP.UserAgent)

	c := cache.DefaultConfig()
	v.SetDefault("cache.default_ttl", c.DefaultTTL)
	v.SetDefault("cache.max_size", c.MaxSize)
	v.SetDefault("cache.cleanup_interval", c.CleanupInterval)
	v.SetDefault("cache.min_cleanup_interval", c.MinCleanupInterval)
	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.addrs", []string{})
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "")

	b := bus.DefaultConfig()
	v.SetDefault("bus.status_interval", b.StatusInterval)
	v.SetDefault("bus.poll_interval", b.PollInterval)
	v.SetDefault("bus.event_ttl", b.EventTTL)
	v.SetDefault("bus.stale_after", b.StaleAfter)
	v.SetDefault("bus.batch_size", b.BatchSize)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", bus.DefaultSubject)
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("monitor.process_cpu_window", 100*time.Millisecond)
	v.SetDefault("monitor.host_cpu_window", 500*time.Millisecond)

	v.SetDefault("gateway.api_base", "")
}
