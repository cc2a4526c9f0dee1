package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/model"
)

// process is one launched worker and its exit outcome
type process struct {
	assignment model.ClusterAssignment
	cmd        *exec.Cmd
	restarts   int

	// done is closed once the process has been reaped. exitCode and err
	// are only read after done is closed.
	done     chan struct{}
	exitCode int
	err      error

	// restartPending is set once the exit has been claimed for a restart
	restartPending bool
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exit describes a worker that stopped and has been claimed for restart
type exit struct {
	ClusterID int
	PID       int
	ExitCode  int
	Err       error
}

// ProcessManager keeps the process table: exactly one entry per cluster id
// that was ever started. An exited entry stays until a new launch replaces it.
type ProcessManager struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	processes map[int]*process
}

// NewProcessManager creates an empty process table
func NewProcessManager(logger *zap.Logger) *ProcessManager {
	return &ProcessManager{
		logger:    logger.Named("process-manager"),
		processes: make(map[int]*process),
	}
}

// Launch starts argv for clusterID with stdout and stderr merged into the
// returned reader. A live entry for the id is left alone and reported with
// started=false.
func (pm *ProcessManager) Launch(clusterID int, shardIDs []int, argv []string, dir string, env []string) (io.ReadCloser, bool, error) {
	if len(argv) == 0 {
		return nil, false, ErrNoCommand
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	prev, ok := pm.processes[clusterID]
	if ok && !prev.exited() {
		return nil, false, nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = w
	cmd.Stderr = w
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, false, fmt.Errorf("failed to start cluster %d: %w", clusterID, err)
	}
	// The child holds its own copy of the write end
	w.Close()

	p := &process{
		assignment: model.ClusterAssignment{
			ClusterID: clusterID,
			ShardIDs:  slices.Clone(shardIDs),
			PID:       cmd.Process.Pid,
			StartTime: time.Now(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	if ok {
		p.restarts = prev.restarts + 1
	}
	pm.processes[clusterID] = p

	go pm.reap(p)

	pm.logger.Info("Process started",
		zap.Int("cluster_id", clusterID),
		zap.Int("pid", p.assignment.PID))
	return r, true, nil
}

func (pm *ProcessManager) reap(p *process) {
	err := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.err = err
	}
	close(p.done)
}

// ClaimExited returns every exited entry not yet claimed and marks them as
// pending restart, so each exit is reported once
func (pm *ProcessManager) ClaimExited() []exit {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var exits []exit
	for id, p := range pm.processes {
		if p.restartPending || !p.exited() {
			continue
		}
		p.restartPending = true
		exits = append(exits, exit{
			ClusterID: id,
			PID:       p.assignment.PID,
			ExitCode:  p.exitCode,
			Err:       p.err,
		})
	}
	sort.Slice(exits, func(i, j int) bool { return exits[i].ClusterID < exits[j].ClusterID })
	return exits
}

// Unclaim makes an exited entry eligible for ClaimExited again
func (pm *ProcessManager) Unclaim(clusterID int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if p, ok := pm.processes[clusterID]; ok {
		p.restartPending = false
	}
}

// Signal sends sig to the process group of every live worker and returns
// their cluster ids
func (pm *ProcessManager) Signal(sig os.Signal) []int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var ids []int
	for id, p := range pm.processes {
		if p.exited() {
			continue
		}
		if err := signalGroup(p.cmd.Process, sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			pm.logger.Error("Failed to signal process",
				zap.Int("cluster_id", id),
				zap.Int("pid", p.assignment.PID),
				zap.String("signal", sig.String()),
				zap.Error(err))
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Running returns the ids of live processes in ascending order
func (pm *ProcessManager) Running() []int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var ids []int
	for id, p := range pm.processes {
		if !p.exited() {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Wait blocks until every process has been reaped or timeout elapses. It
// reports whether all processes were reaped.
func (pm *ProcessManager) Wait(timeout time.Duration) bool {
	pm.mu.RLock()
	pending := make([]chan struct{}, 0, len(pm.processes))
	for _, p := range pm.processes {
		pending = append(pending, p.done)
	}
	pm.mu.RUnlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, done := range pending {
		select {
		case <-done:
		case <-timer.C:
			return false
		}
	}
	return true
}

// processInfo is a point-in-time copy of a table entry
type processInfo struct {
	Assignment model.ClusterAssignment
	Running    bool
	Restarts   int
	ExitCode   int
}

// Get returns a copy of the entry for clusterID
func (pm *ProcessManager) Get(clusterID int) (processInfo, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p, ok := pm.processes[clusterID]
	if !ok {
		return processInfo{}, false
	}

	info := processInfo{
		Assignment: p.assignment,
		Running:    !p.exited(),
		Restarts:   p.restarts,
	}
	info.Assignment.ShardIDs = slices.Clone(p.assignment.ShardIDs)
	if !info.Running {
		info.ExitCode = p.exitCode
	}
	return info, true
}

// Len returns the number of table entries
func (pm *ProcessManager) Len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.processes)
}
