package monitor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/model"
)

const bytesPerMB = 1024 * 1024

// ErrProcessNotFound is returned when a pid does not name a live process
var ErrProcessNotFound = errors.New("process not found")

// Collector samples process and host resource usage
type Collector struct {
	logger        *zap.Logger
	cpuInterval   time.Duration
	hostCPUWindow time.Duration
	self          *process.Process
}

// CollectorConfig defines sampling windows for CPU measurements
type CollectorConfig struct {
	ProcessCPUWindow time.Duration `mapstructure:"process_cpu_window"` // window for per-process CPU percent
	HostCPUWindow    time.Duration `mapstructure:"host_cpu_window"`    // window for host CPU percent
}

// NewCollector creates a new resource collector
func NewCollector(config CollectorConfig, logger *zap.Logger) (*Collector, error) {
	if config.ProcessCPUWindow <= 0 {
		config.ProcessCPUWindow = 100 * time.Millisecond
	}
	if config.HostCPUWindow <= 0 {
		config.HostCPUWindow = 500 * time.Millisecond
	}

	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own process: %w", err)
	}

	return &Collector{
		logger:        logger.Named("collector"),
		cpuInterval:   config.ProcessCPUWindow,
		hostCPUWindow: config.HostCPUWindow,
		self:          self,
	}, nil
}

// Self samples the calling process
func (c *Collector) Self() (*model.ProcessStats, error) {
	return c.sample(c.self)
}

// Process samples the process with the given pid
func (c *Collector) Process(pid int) (*model.ProcessStats, error) {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to check pid %d: %w", pid, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrProcessNotFound, pid)
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrProcessNotFound, pid)
	}
	return c.sample(p)
}

func (c *Collector) sample(p *process.Process) (*model.ProcessStats, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage of pid %d: %w", p.Pid, err)
	}

	cpuPercent, err := p.Percent(c.cpuInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage of pid %d: %w", p.Pid, err)
	}

	threads, err := p.NumThreads()
	if err != nil {
		c.logger.Debug("Failed to get thread count",
			zap.Int32("pid", p.Pid),
			zap.Error(err))
	}

	return &model.ProcessStats{
		PID:         int(p.Pid),
		MemoryMB:    float64(memInfo.RSS) / bytesPerMB,
		CPUPercent:  cpuPercent,
		ThreadCount: threads,
		CollectedAt: time.Now(),
	}, nil
}

// Host samples host-wide CPU and memory usage
func (c *Collector) Host() (*model.HostStats, error) {
	cpuPercent, err := cpu.Percent(c.hostCPUWindow, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	stats := &model.HostStats{
		MemoryPercent:     memInfo.UsedPercent,
		MemoryAvailableMB: float64(memInfo.Available) / bytesPerMB,
		MemoryTotalMB:     float64(memInfo.Total) / bytesPerMB,
		CollectedAt:       time.Now(),
	}
	if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	c.logger.Debug("Host stats collected",
		zap.Float64("cpu_percent", stats.CPUPercent),
		zap.Float64("memory_percent", stats.MemoryPercent))

	return stats, nil
}
