package monitor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCollector(t *testing.T) {
	collector, err := NewCollector(CollectorConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Run("Self", func(t *testing.T) {
		stats, err := collector.Self()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), stats.PID)
		assert.Greater(t, stats.MemoryMB, 0.0)
		assert.GreaterOrEqual(t, stats.CPUPercent, 0.0)
	})

	t.Run("Process", func(t *testing.T) {
		stats, err := collector.Process(os.Getpid())
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), stats.PID)
	})

	t.Run("Missing process", func(t *testing.T) {
		_, err := collector.Process(1 << 30)
		assert.ErrorIs(t, err, ErrProcessNotFound)
	})

	t.Run("Host", func(t *testing.T) {
		stats, err := collector.Host()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.CPUPercent, 0.0)
		assert.Greater(t, stats.MemoryTotalMB, 0.0)
		assert.NotZero(t, stats.CollectedAt)
	})
}
