package rpcclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestClient(cfg RetryConfig) *Client {
	return &Client{retries: cfg, limiter: rate.NewLimiter(rate.Every(cfg.MinDelay), 1)}
}

func TestWithRetrySucceedsWithoutRetryingOnFirstSuccess(t *testing.T) {
	c := newTestClient(DefaultRetryConfig())
	calls := 0
	err := c.withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	c := newTestClient(RetryConfig{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})
	calls := 0
	sentinel := errors.New("node unreachable")
	err := c.withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 3, calls, "one initial attempt plus MaxAttempts retries")
}

func TestWithRetryRecoversAfterTransientFailure(t *testing.T) {
	c := newTestClient(RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})
	calls := 0
	err := c.withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("temporary")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestWithRetryStopsOnContextCancellation(t *testing.T) {
	c := newTestClient(RetryConfig{MaxAttempts: 10, MinDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := c.withRetry(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("still failing")
	})
	require.Error(t, err)
	require.Less(t, calls, 10)
}
