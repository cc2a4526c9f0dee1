package supervisor

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/shard"
)

const notAvailable = "N/A"

// RenderStatus writes status as a human readable table
func RenderStatus(w io.Writer, status *model.SupervisorStatus) error {
	fmt.Fprintln(w, "=== Cluster Status ===")
	fmt.Fprintf(w, "Total Clusters: %d\n", status.ClusterCount)
	fmt.Fprintf(w, "Total Shards: %d\n", status.TotalShards)

	if h := status.Host; h != nil {
		fmt.Fprintf(w, "\nSystem CPU: %.1f%%\n", h.CPUPercent)
		fmt.Fprintf(w, "System Memory: %.1f%% used (%.0f MB free of %.0f MB)\n",
			h.MemoryPercent, h.MemoryAvailableMB, h.MemoryTotalMB)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPID\tUPTIME\tMEMORY (MB)\tCPU %\tRESTARTS\tSHARDS")
	for _, c := range status.Clusters {
		pid := notAvailable
		if c.PID != nil {
			pid = strconv.Itoa(*c.PID)
		}
		uptime := notAvailable
		if c.Uptime != nil {
			uptime = c.Uptime.Truncate(time.Second).String()
		}
		memory := notAvailable
		if c.MemoryMB != nil {
			memory = strconv.FormatFloat(*c.MemoryMB, 'f', 1, 64)
		}
		cpu := notAvailable
		if c.CPUPercent != nil {
			cpu = strconv.FormatFloat(*c.CPUPercent, 'f', 1, 64)
		}

		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d (%s)\n",
			c.ClusterID, c.State, pid, uptime, memory, cpu, c.Restarts,
			len(c.ShardIDs), shard.Format(c.ShardIDs))
	}
	return tw.Flush()
}

func (s *Supervisor) reportStatus() {
	var b strings.Builder
	if err := RenderStatus(&b, s.GetStatus()); err != nil {
		s.logger.Error("Failed to render status", zap.Error(err))
		return
	}
	s.logger.Info("Cluster status\n" + b.String())
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// RunningCluster is a worker process found on the host
type RunningCluster struct {
	ClusterID int
	PID       int
	Cmdline   []string
}

// DiscoverRunning scans host processes for workers whose command line
// contains marker and a --cluster argument. The calling process is skipped.
func DiscoverRunning(marker string) ([]RunningCluster, error) {
	procs, err := gopsprocess.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	var found []RunningCluster
	for _, p := range procs {
		if p.Pid == self {
			continue
		}

		// Processes may exit or deny access while being inspected
		args, err := p.CmdlineSlice()
		if err != nil || len(args) < 2 {
			continue
		}

		id, ok := ClusterArg(args, marker)
		if !ok {
			continue
		}
		found = append(found, RunningCluster{ClusterID: id, PID: int(p.Pid), Cmdline: args})
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].ClusterID != found[j].ClusterID {
			return found[i].ClusterID < found[j].ClusterID
		}
		return found[i].PID < found[j].PID
	})
	return found, nil
}

// ClusterArg extracts the --cluster value from a worker command line. It
// reports false when no argument contains marker or the value is missing.
func ClusterArg(args []string, marker string) (int, bool) {
	matched := false
	for _, arg := range args {
		if strings.Contains(arg, marker) {
			matched = true
			break
		}
	}
	if !matched {
		return 0, false
	}

	value, ok := argValue(args, "--cluster")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(value)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// argValue returns the value of a flag given as "--name value" or
// "--name=value"
func argValue(args []string, name string) (string, bool) {
	for i, arg := range args {
		switch {
		case arg == name && i+1 < len(args):
			return args[i+1], true
		case strings.HasPrefix(arg, name+"="):
			return strings.TrimPrefix(arg, name+"="), true
		}
	}
	return "", false
}

// StatusFromDiscovered builds a status report for workers found on the host
// by DiscoverRunning. Shard lists come from each worker's --shardids
// argument and the cluster count from the highest id seen.
func StatusFromDiscovered(found []RunningCluster, inspector Inspector) *model.SupervisorStatus {
	status := &model.SupervisorStatus{CollectedAt: time.Now()}

	for _, rc := range found {
		pid := rc.PID
		cs := model.ClusterStatus{
			ClusterID: rc.ClusterID,
			State:     model.ClusterStateRunning,
			PID:       &pid,
		}

		if list, ok := argValue(rc.Cmdline, "--shardids"); ok {
			if ids, err := shard.Parse(list); err == nil {
				cs.ShardIDs = ids
			}
		}
		if total, ok := argValue(rc.Cmdline, "--shards"); ok {
			if n, err := strconv.Atoi(total); err == nil && n > status.TotalShards {
				status.TotalShards = n
			}
		}

		if inspector != nil {
			if stats, err := inspector.Process(rc.PID); err == nil {
				cs.MemoryMB = &stats.MemoryMB
				cs.CPUPercent = &stats.CPUPercent
			} else {
				cs.State = model.ClusterStateUnknown
			}
		}

		if rc.ClusterID+1 > status.ClusterCount {
			status.ClusterCount = rc.ClusterID + 1
		}
		status.Clusters = append(status.Clusters, cs)
	}

	if inspector != nil {
		if host, err := inspector.Host(); err == nil {
			status.Host = host
		}
	}
	return status
}
