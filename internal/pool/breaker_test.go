package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testBreakerTimeout = 50 * time.Millisecond

func newTestBreaker(t *testing.T, threshold int, timeout time.Duration) *Breaker {
	return NewBreaker(t.Name(), BreakerConfig{Threshold: threshold, Timeout: timeout}, zaptest.NewLogger(t))
}

func record(t *testing.T, b *Breaker, success bool) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(success)
}

func TestBreakerTransitions(t *testing.T) {
	b := newTestBreaker(t, 5, testBreakerTimeout)

	for i := 0; i < 4; i++ {
		record(t, b, false)
		assert.Equal(t, StateClosed, b.State())
	}

	record(t, b, false)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 5, b.Failures())

	// Refused before the timeout elapses
	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// Exactly one attempt after the timeout
	time.Sleep(2 * testBreakerTimeout)
	assert.Equal(t, StateHalfOpen, b.State())
	done, err := b.Allow()
	require.NoError(t, err)
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	done(true)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(t, 2, testBreakerTimeout)

	record(t, b, false)
	record(t, b, false)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(2 * testBreakerTimeout)
	record(t, b, false)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, b.Failures())

	// The timer restarts from the failed attempt
	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	time.Sleep(2 * testBreakerTimeout)
	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := newTestBreaker(t, 3, time.Second)

	record(t, b, false)
	record(t, b, false)
	record(t, b, true)
	record(t, b, false)
	record(t, b, false)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Failures())

	stats := b.Stats()
	assert.Equal(t, "CLOSED", stats.State)
	assert.Equal(t, 2, stats.FailureCount)
	assert.False(t, stats.LastFailure.IsZero())
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker("store", BreakerConfig{}, zaptest.NewLogger(t))
	assert.Equal(t, DefaultBreakerConfig(), b.config)
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "CLOSED", b.Stats().State)
}
