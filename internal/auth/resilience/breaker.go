// Package resilience provides the fault-tolerance primitives wrapped around
// every backing-store call: a circuit breaker and a bounded retry executor.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the operation while the
// breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the breaker's position in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// BreakerConfig tunes the state machine. Zero fields take the defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before the next call
	// is let through as a half-open trial.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open trial
	// successes required to close the breaker again.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the standard tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	return c
}

// BreakerStats is a point-in-time snapshot for monitoring.
type BreakerStats struct {
	State     State
	Failures  int
	Successes int
	OpenedAt  time.Time
}

// CircuitBreaker guards one dependency. Safe for concurrent callers; all
// counter and state mutation happens under the internal mutex.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	successes int // consecutive successes while half-open
	openedAt  time.Time

	now func() time.Time // swapped in tests
}

// NewCircuitBreaker creates a closed breaker named after the dependency it
// guards.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger.With("breaker", name),
		now:    time.Now,
	}
}

// Execute runs op under the breaker. While open it fails immediately with
// ErrCircuitOpen; once ResetTimeout has elapsed the next call is allowed
// through as a half-open trial.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err)
	return err
}

// Stats returns a snapshot of the breaker's counters and state.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:     b.state,
		Failures:  b.failures,
		Successes: b.successes,
		OpenedAt:  b.openedAt,
	}
}

// Reset forces the breaker closed with zeroed counters regardless of current
// state. Operator recovery escape hatch.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.openedAt = time.Time{}

	if prev != StateClosed {
		b.logger.Info("circuit breaker reset", "from", prev.String())
	}
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.successes = 0
			b.logger.Info("circuit breaker half-open, allowing trial call")
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
		return
	}
	b.onSuccess()
}

func (b *CircuitBreaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.openedAt = time.Time{}
			b.logger.Info("circuit breaker closed after successful trials")
		}
	}
}

func (b *CircuitBreaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.logger.Warn("circuit breaker opened",
				"consecutive_failures", b.failures,
				"reset_timeout", b.cfg.ResetTimeout,
			)
		}
	case StateHalfOpen:
		// Any trial failure reopens immediately.
		b.state = StateOpen
		b.successes = 0
		b.openedAt = b.now()
		b.logger.Warn("circuit breaker reopened after failed trial")
	}
}
