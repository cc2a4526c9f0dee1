package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const timestampLayout = "2006-01-02 15:04:05"

// LogConfig defines configuration for cluster log files
type LogConfig struct {
	Dir         string        `mapstructure:"dir"`           // Directory holding cluster_<id>.log files
	MaxFileSize int64         `mapstructure:"max_file_size"` // Size above which a file is rotated
	MaxAge      time.Duration `mapstructure:"max_age"`       // Age above which a rotated file is removed
	Echo        bool          `mapstructure:"echo"`          // Echo every line to the supervisor logger
}

// LogManager writes worker output to per-cluster log files
type LogManager struct {
	logger *zap.Logger
	config LogConfig
	now    func() time.Time

	mu    sync.Mutex
	files map[int]*os.File
}

// NewLogManager creates a new log manager
func NewLogManager(config LogConfig, logger *zap.Logger) (*LogManager, error) {
	if config.Dir == "" {
		config.Dir = "logs"
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = 100 * 1024 * 1024
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 7 * 24 * time.Hour
	}

	// Create log directory if it doesn't exist
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &LogManager{
		logger: logger.Named("log-manager"),
		config: config,
		now:    time.Now,
		files:  make(map[int]*os.File),
	}, nil
}

// Path returns the log file of a cluster
func (lm *LogManager) Path(clusterID int) string {
	return filepath.Join(lm.config.Dir, fmt.Sprintf("cluster_%d.log", clusterID))
}

// Stream copies r line by line into the cluster's log file until EOF and
// closes r
func (lm *LogManager) Stream(clusterID, pid int, r io.ReadCloser) {
	defer r.Close()

	lm.write(clusterID, fmt.Sprintf("Cluster %d started with PID %d", clusterID, pid))

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lm.write(clusterID, line)
		if lm.config.Echo {
			lm.logger.Info(line, zap.Int("cluster_id", clusterID))
		}
	}

	if err := scanner.Err(); err != nil {
		lm.logger.Error("Failed to read cluster output",
			zap.Int("cluster_id", clusterID),
			zap.Error(err))
	}
}

func (lm *LogManager) write(clusterID int, line string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	file, err := lm.fileLocked(clusterID)
	if err != nil {
		lm.logger.Error("Failed to open log file",
			zap.Int("cluster_id", clusterID),
			zap.Error(err))
		return
	}

	if _, err := fmt.Fprintf(file, "[%s] %s\n", lm.now().Format(timestampLayout), line); err != nil {
		lm.logger.Error("Failed to write log entry",
			zap.Int("cluster_id", clusterID),
			zap.Error(err))
	}
}

func (lm *LogManager) fileLocked(clusterID int) (*os.File, error) {
	if file, ok := lm.files[clusterID]; ok {
		return file, nil
	}

	file, err := os.OpenFile(lm.Path(clusterID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	lm.files[clusterID] = file
	return file, nil
}

// Rotate renames log files larger than MaxFileSize with a timestamp suffix
// and removes rotated files older than MaxAge
func (lm *LogManager) Rotate() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	rotated, removed := 0, 0

	err := filepath.Walk(lm.config.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Skip directories
		if info.IsDir() {
			return nil
		}

		if filepath.Ext(path) != ".log" {
			if now.Sub(info.ModTime()) > lm.config.MaxAge {
				if err := os.Remove(path); err != nil {
					lm.logger.Error("Failed to remove old log file",
						zap.String("path", path),
						zap.Error(err))
					return nil
				}
				removed++
			}
			return nil
		}

		if info.Size() <= lm.config.MaxFileSize {
			return nil
		}

		newPath := path + "." + now.Format("20060102-150405")
		if err := os.Rename(path, newPath); err != nil {
			lm.logger.Error("Failed to rotate log file",
				zap.String("path", path),
				zap.Error(err))
			return nil
		}
		rotated++

		// Writers reopen the original name on their next line
		for id, file := range lm.files {
			if lm.Path(id) == path {
				file.Close()
				delete(lm.files, id)
			}
		}
		return nil
	})

	if err != nil {
		lm.logger.Error("Failed to rotate logs", zap.Error(err))
	}

	lm.logger.Info("Rotated cluster logs",
		zap.Int("rotated", rotated),
		zap.Int("removed", removed))
}

// Close closes all open log files
func (lm *LogManager) Close() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for id, file := range lm.files {
		if err := file.Close(); err != nil {
			lm.logger.Warn("Failed to close log file",
				zap.Int("cluster_id", id),
				zap.Error(err))
		}
		delete(lm.files, id)
	}
}
