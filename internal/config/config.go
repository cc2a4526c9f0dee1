// Package config loads supervisor and worker configuration from a yaml
// file, environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/clusterd/internal/pool"
)

// EnvPrefix prefixes environment overrides, e.g. CLUSTERD_STORE_DRIVER
const EnvPrefix = "CLUSTERD"

// LogConfig selects the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Build creates the logger described by c
func (c LogConfig) Build() (*zap.Logger, error) {
	var zc zap.Config
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// MongoConfig describes the shared mongo deployment. URI wins over the
// individual connection fields.
type MongoConfig struct {
	URI                    string        `mapstructure:"uri"`
	Host                   string        `mapstructure:"host"`
	Port                   int           `mapstructure:"port"`
	Username               string        `mapstructure:"username"`
	Password               string        `mapstructure:"password"`
	AuthDB                 string        `mapstructure:"auth_db"`
	SRV                    bool          `mapstructure:"srv"`
	Database               string        `mapstructure:"database"`
	MaxPoolSize            uint64        `mapstructure:"max_pool_size"`
	MinPoolSize            uint64        `mapstructure:"min_pool_size"`
	MaxConnIdleTime        time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	ServerSelectionTimeout time.Duration `mapstructure:"server_selection_timeout"`
}

// ConnectionURI returns URI or builds one from the connection fields
func (m MongoConfig) ConnectionURI() string {
	if m.URI != "" {
		return m.URI
	}
	return pool.BuildMongoURI(m.Host, m.Port, m.Username, m.Password, m.AuthDB, m.SRV)
}

// StoreConfig selects the shared store backend
type StoreConfig struct {
	Driver string      `mapstructure:"driver"` // mongo, sqlite or memory
	Mongo  MongoConfig `mapstructure:"mongo"`
	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`
}

// Store drivers
const (
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readConfig reads path, or <name>.yaml from the search paths when path is
// empty. A missing default file is not an error.
func readConfig(v *viper.Viper, name, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(name)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

func bindEnv(v *viper.Viper, env map[string][]string) error {
	for key, names := range env {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

func setStoreDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverMongo)
	v.SetDefault("store.mongo.uri", "")
	v.SetDefault("store.mongo.host", "localhost")
	v.SetDefault("store.mongo.port", 27017)
	v.SetDefault("store.mongo.username", "")
	v.SetDefault("store.mongo.password", "")
	v.SetDefault("store.mongo.auth_db", "admin")
	v.SetDefault("store.mongo.srv", false)
	v.SetDefault("store.mongo.database", "clusterd")
	v.SetDefault("store.mongo.max_pool_size", 100)
	v.SetDefault("store.mongo.min_pool_size", 10)
	v.SetDefault("store.mongo.max_conn_idle_time", "45s")
	v.SetDefault("store.mongo.connect_timeout", "5s")
	v.SetDefault("store.mongo.server_selection_timeout", "5s")
	v.SetDefault("store.sqlite.path", "clusterd.db")
}
