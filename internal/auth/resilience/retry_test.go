package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastRetry(attempts int, retryable func(error) bool) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Jitter:      0.01,
		Retryable:   retryable,
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := WithRetry(context.Background(), "clients.get", fastRetry(3, nil), func(context.Context) error {
		calls++
		return errTransient
	})

	require.Equal(t, 3, calls)
	// The original error kind survives label wrapping.
	require.ErrorIs(t, err, errTransient)
	require.Contains(t, err.Error(), "clients.get")
}

func TestWithRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := WithRetry(context.Background(), "clients.get", fastRetry(5, nil), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWithRetryNonRetryableSingleAttempt(t *testing.T) {
	t.Parallel()

	permanent := errors.New("validation failed")
	classifier := func(err error) bool { return !errors.Is(err, permanent) }

	calls := 0
	err := WithRetry(context.Background(), "clients.update", fastRetry(5, classifier), func(context.Context) error {
		calls++
		return permanent
	})

	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, permanent)
}

func TestWithRetryContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithRetry(ctx, "clients.get", fastRetry(5, nil), func(context.Context) error {
		calls++
		return context.Canceled
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
}
