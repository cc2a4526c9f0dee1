package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/shard"
)

func testConfig(t *testing.T, clusters, shards int, script string) Config {
	config := DefaultConfig()
	config.ClusterCount = clusters
	config.TotalShards = shards
	config.Command = []string{"sh", "-c", script, "worker"}
	config.RestartDelay = 200 * time.Millisecond
	config.StartStagger = 0
	config.MonitorInterval = 20 * time.Millisecond
	config.ShutdownTimeout = 2 * time.Second
	config.Logs.Dir = t.TempDir()
	return config
}

func newTestSupervisor(t *testing.T, config Config, opts ...Option) *Supervisor {
	t.Helper()
	s, err := New(config, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func readLog(t *testing.T, s *Supervisor, clusterID int) string {
	data, err := os.ReadFile(s.logs.Path(clusterID))
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func TestNewValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	config := testConfig(t, 0, 4, "true")
	_, err := New(config, logger)
	assert.ErrorIs(t, err, shard.ErrInvalidClusterCount)

	config = testConfig(t, 2, 4, "true")
	config.Command = nil
	_, err = New(config, logger)
	assert.ErrorIs(t, err, ErrNoCommand)

	config = testConfig(t, 3, 1, "true")
	s, err := New(config, logger)
	require.NoError(t, err)
	ids, err := s.ShardIDs(2)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, ids, "shards are clamped to one per cluster")

	_, err = s.ShardIDs(3)
	assert.ErrorIs(t, err, ErrUnknownCluster)
}

func TestArgs(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t, 3, 10, "true"))

	argv, err := s.Args(1)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sh", "-c", "true", "worker",
		"--cluster", "1",
		"--clusters", "3",
		"--shards", "10",
		"--shardids", "4,5,6",
	}, argv)
}

func TestClusterOutputIsLogged(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t, 1, 2, `echo "started $@"; echo oops >&2; sleep 30`))
	require.NoError(t, s.StartCluster(0))

	require.Eventually(t, func() bool {
		return strings.Contains(readLog(t, s, 0), "oops")
	}, 5*time.Second, 20*time.Millisecond)

	lines := strings.Split(strings.TrimSpace(readLog(t, s, 0)), "\n")
	require.Len(t, lines, 3)

	stamp := `^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] `
	assert.Regexp(t, regexp.MustCompile(stamp+`Cluster 0 started with PID \d+$`), lines[0])
	assert.Regexp(t, regexp.MustCompile(stamp+`started --cluster 0 --clusters 1 --shards 2 --shardids 0,1$`), lines[1])
	assert.Regexp(t, regexp.MustCompile(stamp+`oops$`), lines[2])
}

func TestStartClusterIsNoopWhileRunning(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t, 1, 1, "sleep 30"))

	require.NoError(t, s.StartCluster(0))
	first, ok := s.procs.Get(0)
	require.True(t, ok)

	require.NoError(t, s.StartCluster(0))
	second, ok := s.procs.Get(0)
	require.True(t, ok)

	assert.Equal(t, first.Assignment.PID, second.Assignment.PID)
	assert.Equal(t, 0, second.Restarts)
	assert.Equal(t, 1, s.procs.Len())

	assert.ErrorIs(t, s.StartCluster(1), ErrUnknownCluster)
}

func TestExitSchedulesOneRestart(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t, 2, 5, `echo "started $@"; exit 3`))
	require.NoError(t, s.StartCluster(1))

	require.Eventually(t, func() bool {
		return len(s.procs.Running()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	info, ok := s.procs.Get(1)
	require.True(t, ok)
	assert.Equal(t, 3, info.ExitCode)
	assert.False(t, info.Running)

	// Repeated checks before the delay elapses claim the exit only once
	s.checkExited()
	s.checkExited()
	s.checkExited()
	s.mu.Lock()
	assert.Len(t, s.timers, 1)
	s.mu.Unlock()

	require.Eventually(t, func() bool {
		info, _ := s.procs.Get(1)
		return info.Restarts == 1
	}, 5*time.Second, 10*time.Millisecond)

	info, _ = s.procs.Get(1)
	assert.Equal(t, []int{3, 4}, info.Assignment.ShardIDs)
	assert.Equal(t, 1, s.procs.Len(), "restart replaces the entry")

	require.Eventually(t, func() bool {
		return strings.Count(readLog(t, s, 1), "started --cluster 1 --clusters 2 --shards 5 --shardids 3,4") == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMonitorRestartsUntilShutdown(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t, 1, 1, "exit 1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Monitor(ctx)

	require.NoError(t, s.StartCluster(0))
	require.Eventually(t, func() bool {
		info, _ := s.procs.Get(0)
		return info.Restarts >= 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown())
	restarts := func() int {
		info, _ := s.procs.Get(0)
		return info.Restarts
	}
	after := restarts()
	time.Sleep(3 * s.config.RestartDelay)
	assert.Equal(t, after, restarts(), "no restarts after shutdown")
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t, 2, 2, "sleep 30"))
	require.NoError(t, s.StartAll(context.Background()))
	require.Len(t, s.procs.Running(), 2)

	require.NoError(t, s.Shutdown())
	assert.Empty(t, s.procs.Running())
	require.NoError(t, s.Shutdown())

	assert.ErrorIs(t, s.StartCluster(0), ErrShutdown)
}

func TestShutdownKillsStragglers(t *testing.T) {
	config := testConfig(t, 1, 1, `trap "" TERM; echo ready; while true; do sleep 0.1; done`)
	config.ShutdownTimeout = 300 * time.Millisecond
	s := newTestSupervisor(t, config)
	require.NoError(t, s.StartCluster(0))

	require.Eventually(t, func() bool {
		return strings.Contains(readLog(t, s, 0), "ready")
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Shutdown())
	assert.GreaterOrEqual(t, time.Since(start), config.ShutdownTimeout)
	assert.Empty(t, s.procs.Running())
}

func TestStartAllStopsOnCancel(t *testing.T) {
	config := testConfig(t, 3, 3, "sleep 30")
	config.StartStagger = time.Hour
	s := newTestSupervisor(t, config)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	err := s.StartAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{0}, s.procs.Running())
}

func TestStartFailureIsReported(t *testing.T) {
	config := testConfig(t, 1, 1, "true")
	config.Command = []string{filepath.Join(t.TempDir(), "missing-binary")}
	s := newTestSupervisor(t, config)

	err := s.StartAll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, s.procs.Len())
}

type fakeInspector struct{}

func (fakeInspector) Process(pid int) (*model.ProcessStats, error) {
	return &model.ProcessStats{PID: pid, MemoryMB: 128, CPUPercent: 2.5}, nil
}

func (fakeInspector) Host() (*model.HostStats, error) {
	return &model.HostStats{CPUPercent: 10, MemoryPercent: 50, MemoryAvailableMB: 1024, MemoryTotalMB: 2048}, nil
}

func TestGetStatus(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t, 2, 3, "sleep 30"), WithInspector(fakeInspector{}))
	require.NoError(t, s.StartCluster(0))

	status := s.GetStatus()
	assert.Equal(t, 2, status.ClusterCount)
	assert.Equal(t, 3, status.TotalShards)
	require.NotNil(t, status.Host)
	assert.Equal(t, 2048.0, status.Host.MemoryTotalMB)
	require.Len(t, status.Clusters, 2)

	running := status.Clusters[0]
	assert.Equal(t, model.ClusterStateRunning, running.State)
	require.NotNil(t, running.PID)
	require.NotNil(t, running.Uptime)
	require.NotNil(t, running.MemoryMB)
	assert.Equal(t, 128.0, *running.MemoryMB)
	assert.Equal(t, []int{0, 1}, running.ShardIDs)

	stopped := status.Clusters[1]
	assert.Equal(t, model.ClusterStateStopped, stopped.State)
	assert.Nil(t, stopped.PID)
	assert.Nil(t, stopped.Uptime)
	assert.Nil(t, stopped.MemoryMB)
	assert.Nil(t, stopped.CPUPercent)
	assert.Equal(t, []int{2}, stopped.ShardIDs)
}
