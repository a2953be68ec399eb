package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
)

func fastConfig() *Config {
	return &Config{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestRetriesProviderErrorsUntilSuccess(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return apperrors.NewProviderError("price-feed", errors.New("502"))
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
}

func TestNeverRetriesVersionConflict(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return apperrors.NewVersionConflictError("p1", 1, 2)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	_, ok := apperrors.AsVersionConflict(err)
	assert.True(t, ok)
}

func TestStopsAfterMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.ShouldRetry = func(error) bool { return true }

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.Equal(t, cfg.MaxAttempts, calls)
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestContextCancellationDuringBackoff(t *testing.T) {
	cfg := &Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1,
		ShouldRetry: func(error) bool { return true }}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		return errors.New("down")
	})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.DeadlineExceeded)
}

func TestCalculateDelayCapped(t *testing.T) {
	cfg := &Config{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, calculateDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, calculateDelay(cfg, 2))
	assert.Equal(t, 3*time.Second, calculateDelay(cfg, 5))
}
