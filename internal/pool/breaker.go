package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State is the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// BreakerConfig holds breaker thresholds
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit
	Threshold int `mapstructure:"threshold"`
	// Timeout is how long the circuit stays open before a trial attempt is allowed
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultBreakerConfig returns the default breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Timeout:   30 * time.Second,
	}
}

// BreakerStats is a snapshot of a breaker
type BreakerStats struct {
	State        string    `json:"circuit_state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// Breaker guards attempts to build one resource. While open every attempt
// is refused without touching the network; after Timeout exactly one trial
// attempt is let through.
type Breaker struct {
	logger *zap.Logger
	config BreakerConfig
	cb     *gobreaker.TwoStepCircuitBreaker

	// failures counts consecutive failures across state changes, which
	// gobreaker resets on every transition
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker for the named resource
func NewBreaker(name string, config BreakerConfig, logger *zap.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	b := &Breaker{
		logger: logger,
		config: config,
	}
	threshold := uint32(config.Threshold)
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		if from == gobreaker.StateHalfOpen {
			b.logger.Error("Circuit breaker HALF_OPEN attempt failed, reopening")
			return
		}
		b.logger.Error("Circuit breaker opened",
			zap.Int("threshold", b.config.Threshold),
			zap.Duration("timeout", b.config.Timeout))
	case gobreaker.StateHalfOpen:
		b.logger.Info("Circuit breaker entering HALF_OPEN state")
	case gobreaker.StateClosed:
		b.logger.Info("Circuit breaker reset to CLOSED state")
	}
}

// Allow reports whether an attempt may proceed. On success the caller must
// report the outcome through done exactly once. It returns ErrCircuitOpen
// while the circuit is open or a half-open attempt is already in flight.
func (b *Breaker) Allow() (done func(success bool), err error) {
	report, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	return func(success bool) {
		b.mu.Lock()
		if success {
			b.failures = 0
		} else {
			b.failures++
			b.lastFailure = time.Now()
		}
		failures := b.failures
		b.mu.Unlock()

		report(success)

		if !success && b.State() == StateClosed {
			b.logger.Warn("Connection attempt failed",
				zap.Int("failures", failures),
				zap.Int("threshold", b.config.Threshold))
		}
	}, nil
}

// State returns the current state
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Failures returns the consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Stats returns a snapshot of the breaker
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:        b.State().String(),
		FailureCount: b.failures,
		LastFailure:  b.lastFailure,
	}
}
