package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/t77yq/clusterd/internal/monitor"
	"github.com/t77yq/clusterd/internal/supervisor"
)

// Supervisor is the configuration of the cluster supervisor process
type Supervisor struct {
	supervisor.Config `mapstructure:",squash"`

	Log     LogConfig               `mapstructure:"log"`
	Monitor monitor.CollectorConfig `mapstructure:"monitor"`

	// Status prints the table of discovered workers and exits
	Status bool `mapstructure:"status"`
	// RunCluster execs a single worker in place of the supervisor when >= 0
	RunCluster int `mapstructure:"run_cluster"`
	// Marker identifies worker processes during discovery
	Marker string `mapstructure:"marker"`
}

// SupervisorFlags registers the supervisor flags on fs
func SupervisorFlags(fs *pflag.FlagSet) {
	fs.IntP("clusters", "c", runtime.NumCPU(), "Number of clusters to run")
	fs.IntP("shards", "s", 1, "Total number of shards across all clusters")
	fs.StringSliceP("command", "l", []string{"./worker"}, "Worker binary and leading arguments")
	fs.DurationP("restart-delay", "r", 5*time.Second, "Delay before restarting a crashed cluster")
	fs.Bool("status", false, "Show status of running clusters and exit")
	fs.Duration("status-interval", 0, "Log the status table at this interval (0 = disabled)")
	fs.Int("run-cluster", -1, "Run a single cluster with the given ID in place of the supervisor")
	fs.String("log-dir", "logs", "Directory for cluster log files")
	fs.String("config", "", "Path to the config file")
	fs.Bool("debug", false, "Enable development logging")
}

// LoadSupervisor resolves the supervisor configuration from defaults, the
// config file, the environment and the parsed flags in fs
func LoadSupervisor(fs *pflag.FlagSet) (*Supervisor, error) {
	v := newViper()
	setSupervisorDefaults(v)

	if err := bindFlags(v, fs, map[string]string{
		"cluster_count":   "clusters",
		"total_shards":    "shards",
		"command":         "command",
		"restart_delay":   "restart-delay",
		"status":          "status",
		"status_interval": "status-interval",
		"run_cluster":     "run-cluster",
		"logs.dir":        "log-dir",
		"log.development": "debug",
	}); err != nil {
		return nil, err
	}

	if err := bindEnv(v, map[string][]string{
		"cluster_count": {"CLUSTERD_CLUSTER_COUNT", "TOTAL_CLUSTERS"},
		"total_shards":  {"CLUSTERD_TOTAL_SHARDS", "SHARD_COUNT"},
		"log.level":     {"CLUSTERD_LOG_LEVEL", "LOG_LEVEL"},
	}); err != nil {
		return nil, err
	}

	path, _ := fs.GetString("config")
	if err := readConfig(v, "supervisor", path); err != nil {
		return nil, err
	}

	var s Supervisor
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the cluster layout. Too few shards are clamped later by
// the supervisor with a warning.
func (s *Supervisor) Validate() error {
	if s.ClusterCount < 1 {
		return fmt.Errorf("%w: number of clusters must be at least 1, got %d", ErrInvalid, s.ClusterCount)
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("%w: worker command is empty", ErrInvalid)
	}
	if s.RunCluster >= s.ClusterCount {
		return fmt.Errorf("%w: run cluster %d must be less than cluster count %d", ErrInvalid, s.RunCluster, s.ClusterCount)
	}
	if s.StatusInterval < 0 {
		return fmt.Errorf("%w: status interval must not be negative", ErrInvalid)
	}
	return nil
}

func setSupervisorDefaults(v *viper.Viper) {
	d := supervisor.DefaultConfig()
	v.SetDefault("cluster_count", runtime.NumCPU())
	v.SetDefault("total_shards", d.TotalShards)
	v.SetDefault("command", []string{"./worker"})
	v.SetDefault("work_dir", "")
	v.SetDefault("env", []string{})
	v.SetDefault("restart_delay", d.RestartDelay)
	v.SetDefault("start_stagger", d.StartStagger)
	v.SetDefault("monitor_interval", d.MonitorInterval)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("status_interval", d.StatusInterval)
	v.SetDefault("logs.dir", d.Logs.Dir)
	v.SetDefault("logs.max_file_size", d.Logs.MaxFileSize)
	v.SetDefault("logs.max_age", d.Logs.MaxAge)
	v.SetDefault("logs.echo", d.Logs.Echo)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("monitor.process_cpu_window", 100*time.Millisecond)
	v.SetDefault("monitor.host_cpu_window", 500*time.Millisecond)

	v.SetDefault("status", false)
	v.SetDefault("run_cluster", -1)
	v.SetDefault("marker", "worker")
}
