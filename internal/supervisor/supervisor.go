// Package supervisor launches one worker process per cluster, restarts
// workers that exit and reports their resource usage.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/shard"
)

// Config holds supervisor configuration
type Config struct {
	ClusterCount int      `mapstructure:"cluster_count"`
	TotalShards  int      `mapstructure:"total_shards"`
	Command      []string `mapstructure:"command"` // Worker binary and leading arguments
	WorkDir      string   `mapstructure:"work_dir"`
	Env          []string `mapstructure:"env"`

	RestartDelay    time.Duration `mapstructure:"restart_delay"`
	StartStagger    time.Duration `mapstructure:"start_stagger"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StatusInterval  time.Duration `mapstructure:"status_interval"` // 0 disables the periodic status log

	Logs LogConfig `mapstructure:"logs"`
}

// DefaultConfig returns the default supervisor configuration
func DefaultConfig() Config {
	return Config{
		ClusterCount:    1,
		TotalShards:     1,
		RestartDelay:    5 * time.Second,
		StartStagger:    time.Second,
		MonitorInterval: time.Second,
		ShutdownTimeout: 10 * time.Second,
		Logs: LogConfig{
			Dir:         "logs",
			MaxFileSize: 100 * 1024 * 1024,
			MaxAge:      7 * 24 * time.Hour,
			Echo:        true,
		},
	}
}

// Inspector samples process and host resource usage, typically a
// *monitor.Collector
type Inspector interface {
	Process(pid int) (*model.ProcessStats, error)
	Host() (*model.HostStats, error)
}

// Supervisor owns the worker processes of every cluster
type Supervisor struct {
	logger     *zap.Logger
	config     Config
	partitions [][]int
	procs      *ProcessManager
	logs       *LogManager
	inspector  Inspector
	cron       *cron.Cron
	now        func() time.Time

	mu     sync.Mutex
	closed bool
	timers map[int]*time.Timer

	// streams tracks log streaming goroutines
	streams sync.WaitGroup
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithInspector sets the sampler used by GetStatus
func WithInspector(i Inspector) Option {
	return func(s *Supervisor) {
		s.inspector = i
	}
}

// New validates config, computes the shard partition and prepares the log
// directory. No process is started.
func New(config Config, logger *zap.Logger, opts ...Option) (*Supervisor, error) {
	logger = logger.Named("supervisor")

	if config.ClusterCount < 1 {
		return nil, shard.ErrInvalidClusterCount
	}
	if len(config.Command) == 0 {
		return nil, ErrNoCommand
	}
	if config.TotalShards < config.ClusterCount {
		logger.Warn("Total shards below cluster count, using one shard per cluster",
			zap.Int("total_shards", config.TotalShards),
			zap.Int("cluster_count", config.ClusterCount))
		config.TotalShards = config.ClusterCount
	}

	def := DefaultConfig()
	if config.RestartDelay <= 0 {
		config.RestartDelay = def.RestartDelay
	}
	if config.StartStagger < 0 {
		config.StartStagger = 0
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = def.MonitorInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	partitions, err := shard.Partition(config.ClusterCount, config.TotalShards)
	if err != nil {
		return nil, fmt.Errorf("failed to partition shards: %w", err)
	}

	logs, err := NewLogManager(config.Logs, logger)
	if err != nil {
		return nil, err
	}

	cronLog := &cronLogger{logger: logger.Named("cron")}
	s := &Supervisor{
		logger:     logger,
		config:     config,
		partitions: partitions,
		procs:      NewProcessManager(logger),
		logs:       logs,
		cron:       cron.New(cron.WithChain(cron.Recover(cronLog)), cron.WithLogger(cronLog)),
		now:        time.Now,
		timers:     make(map[int]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}

	for i, ids := range partitions {
		logger.Info("Computed shard assignment",
			zap.Int("cluster_id", i),
			zap.Ints("shard_ids", ids))
	}
	return s, nil
}

// ShardIDs returns the shards assigned to a cluster
func (s *Supervisor) ShardIDs(clusterID int) ([]int, error) {
	if clusterID < 0 || clusterID >= len(s.partitions) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCluster, clusterID)
	}
	return slices.Clone(s.partitions[clusterID]), nil
}

// Args returns the worker command line for a cluster
func (s *Supervisor) Args(clusterID int) ([]string, error) {
	ids, err := s.ShardIDs(clusterID)
	if err != nil {
		return nil, err
	}

	argv := slices.Clone(s.config.Command)
	return append(argv,
		"--cluster", strconv.Itoa(clusterID),
		"--clusters", strconv.Itoa(s.config.ClusterCount),
		"--shards", strconv.Itoa(s.config.TotalShards),
		"--shardids", shard.Format(ids),
	), nil
}

// StartCluster launches the worker for clusterID. It does nothing if that
// worker is already running.
func (s *Supervisor) StartCluster(clusterID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShutdown
	}
	return s.startLocked(clusterID)
}

func (s *Supervisor) startLocked(clusterID int) error {
	argv, err := s.Args(clusterID)
	if err != nil {
		return err
	}

	out, started, err := s.procs.Launch(clusterID, s.partitions[clusterID], argv, s.config.WorkDir, s.config.Env)
	if err != nil {
		return err
	}
	if !started {
		s.logger.Debug("Cluster already running", zap.Int("cluster_id", clusterID))
		return nil
	}

	info, _ := s.procs.Get(clusterID)
	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		s.logs.Stream(clusterID, info.Assignment.PID, out)
	}()

	s.logger.Info("Started cluster",
		zap.Int("cluster_id", clusterID),
		zap.Int("pid", info.Assignment.PID),
		zap.Ints("shard_ids", info.Assignment.ShardIDs),
		zap.Int("restarts", info.Restarts))
	return nil
}

// StartAll launches every cluster, waiting StartStagger between launches
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.logger.Info("Starting clusters",
		zap.Int("cluster_count", s.config.ClusterCount),
		zap.Int("total_shards", s.config.TotalShards))

	var errs []error
	for i := range s.partitions {
		if err := s.StartCluster(i); err != nil {
			if errors.Is(err, ErrShutdown) {
				return err
			}
			s.logger.Error("Failed to start cluster", zap.Int("cluster_id", i), zap.Error(err))
			errs = append(errs, err)
		}

		if i == len(s.partitions)-1 || s.config.StartStagger == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.StartStagger):
		}
	}
	return errors.Join(errs...)
}

// Monitor checks for exited workers every MonitorInterval until ctx is done.
// Each exit schedules exactly one restart after RestartDelay with the same
// shard list.
func (s *Supervisor) Monitor(ctx context.Context) {
	ticker := time.NewTicker(s.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkExited()
		}
	}
}

func (s *Supervisor) checkExited() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for _, e := range s.procs.ClaimExited() {
		fields := []zap.Field{
			zap.Int("cluster_id", e.ClusterID),
			zap.Int("pid", e.PID),
			zap.Int("exit_code", e.ExitCode),
			zap.Duration("restart_delay", s.config.RestartDelay),
		}
		if e.Err != nil {
			fields = append(fields, zap.Error(e.Err))
		}
		s.logger.Warn("Cluster exited, scheduling restart", fields...)

		id := e.ClusterID
		s.timers[id] = time.AfterFunc(s.config.RestartDelay, func() {
			s.restart(id)
		})
	}
}

func (s *Supervisor) restart(clusterID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, clusterID)
	if s.closed {
		return
	}

	if err := s.startLocked(clusterID); err != nil {
		s.logger.Error("Failed to restart cluster", zap.Int("cluster_id", clusterID), zap.Error(err))
		s.procs.Unclaim(clusterID)
	}
}

// Run starts every cluster and the periodic jobs, supervises until ctx is
// done and then shuts down
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.scheduleJobs(); err != nil {
		return err
	}
	s.cron.Start()

	if err := s.StartAll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Some clusters failed to start", zap.Error(err))
	}

	s.Monitor(ctx)

	<-s.cron.Stop().Done()
	return s.Shutdown()
}

func (s *Supervisor) scheduleJobs() error {
	if _, err := s.cron.AddFunc("@daily", s.logs.Rotate); err != nil {
		return fmt.Errorf("failed to schedule log rotation: %w", err)
	}

	if s.config.StatusInterval > 0 {
		spec := "@every " + s.config.StatusInterval.String()
		if _, err := s.cron.AddFunc(spec, s.reportStatus); err != nil {
			return fmt.Errorf("failed to schedule status report: %w", err)
		}
	}
	return nil
}

// Shutdown stops restarts, sends SIGTERM to every worker, waits up to
// ShutdownTimeout and kills the remaining ones. Calls after the first
// return nil immediately.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	terminated := s.procs.Signal(syscall.SIGTERM)
	s.logger.Info("Shutting down clusters", zap.Ints("cluster_ids", terminated))

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(s.config.ShutdownTimeout)
	defer deadline.Stop()

wait:
	for len(s.procs.Running()) > 0 {
		select {
		case <-deadline.C:
			break wait
		case <-ticker.C:
		}
	}

	if stragglers := s.procs.Signal(syscall.SIGKILL); len(stragglers) > 0 {
		s.logger.Warn("Force killed clusters", zap.Ints("cluster_ids", stragglers))
	}

	var err error
	if !s.procs.Wait(5 * time.Second) {
		err = errors.New("some cluster processes could not be reaped")
	}

	s.streams.Wait()
	s.logs.Close()

	s.logger.Info("Supervisor shut down")
	return err
}

// GetStatus reports every cluster and host-wide usage. Resource fields of a
// cluster are nil when it is not running or cannot be inspected.
func (s *Supervisor) GetStatus() *model.SupervisorStatus {
	now := s.now()
	status := &model.SupervisorStatus{
		ClusterCount: s.config.ClusterCount,
		TotalShards:  s.config.TotalShards,
		Clusters:     make([]model.ClusterStatus, 0, len(s.partitions)),
		CollectedAt:  now,
	}

	for id, ids := range s.partitions {
		cs := model.ClusterStatus{
			ClusterID: id,
			State:     model.ClusterStateStopped,
			ShardIDs:  slices.Clone(ids),
		}

		if info, ok := s.procs.Get(id); ok {
			cs.Restarts = info.Restarts
			if info.Running {
				cs.State = model.ClusterStateRunning
				pid := info.Assignment.PID
				uptime := now.Sub(info.Assignment.StartTime)
				cs.PID = &pid
				cs.Uptime = &uptime

				if s.inspector != nil {
					if stats, err := s.inspector.Process(pid); err == nil {
						cs.MemoryMB = &stats.MemoryMB
						cs.CPUPercent = &stats.CPUPercent
					} else {
						s.logger.Debug("Failed to inspect cluster",
							zap.Int("cluster_id", id),
							zap.Int("pid", pid),
							zap.Error(err))
					}
				}
			}
		}
		status.Clusters = append(status.Clusters, cs)
	}

	if s.inspector != nil {
		host, err := s.inspector.Host()
		if err != nil {
			s.logger.Warn("Failed to sample host", zap.Error(err))
		} else {
			status.Host = host
		}
	}
	return status
}
