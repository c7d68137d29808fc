package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds one retry loop. Zero fields take the defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, first try included.
	MaxAttempts int

	// BaseDelay is the delay before the first retry; each subsequent retry
	// doubles it up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// Jitter is the randomization factor applied to each delay (0..1).
	Jitter float64

	// Retryable classifies errors. A nil classifier retries everything
	// except context cancellation.
	Retryable func(error) bool
}

// DefaultRetryConfig returns the standard tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.5,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = def.Jitter
	}
	return c
}

// WithRetry runs op up to cfg.MaxAttempts times with exponential backoff.
// Non-retryable errors propagate after a single attempt. When attempts are
// exhausted the last underlying error is surfaced, wrapped with label so the
// failing operation is identifiable while errors.Is still matches the
// original kind.
func WithRetry(ctx context.Context, label string, cfg RetryConfig, op func(context.Context) error) error {
	cfg = cfg.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = cfg.Jitter

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(ctx); err != nil {
			if !retryable(cfg, err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(cfg.MaxAttempts)))

	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

func retryable(cfg RetryConfig, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if cfg.Retryable != nil {
		return cfg.Retryable(err)
	}
	return true
}
