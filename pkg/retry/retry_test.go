package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errUnavailable = errors.New("store unavailable")
	errBreakerOpen = errors.New("circuit breaker is open")
)

func quick(attempts int) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

// flakyList fails the first failures calls with err, then returns rows.
func flakyList(failures int, err error, rows []string) (func() ([]string, error), *int) {
	calls := 0
	return func() ([]string, error) {
		calls++
		if calls <= failures {
			return nil, err
		}
		return rows, nil
	}, &calls
}

func TestRetryWithResult_LoadsAfterTransientFailures(t *testing.T) {
	load, calls := flakyList(2, errUnavailable, []string{"alice", "bob"})

	rows, err := RetryWithResult(context.Background(), quick(3), load)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, rows)
	assert.Equal(t, 3, *calls)
}

func TestRetryWithResult_GivesUpWithLastError(t *testing.T) {
	load, calls := flakyList(10, errUnavailable, nil)

	rows, err := RetryWithResult(context.Background(), quick(2), load)
	assert.Nil(t, rows)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Contains(t, err.Error(), "max attempts (2) exceeded")
	assert.Equal(t, 3, *calls, "one attempt plus two retries")
}

func TestRetryWithResult_Classification(t *testing.T) {
	tests := []struct {
		name      string
		cfg       func(*Config)
		err       error
		wantCalls int
	}{
		{
			name:      "wrapped non-retryable stops at once",
			cfg:       func(c *Config) { c.NonRetryableErrors = []error{errBreakerOpen} },
			err:       fmt.Errorf("list roster: %w", errBreakerOpen),
			wantCalls: 1,
		},
		{
			name:      "error outside the retryable list stops at once",
			cfg:       func(c *Config) { c.RetryableErrors = []error{errUnavailable} },
			err:       errors.New("malformed row"),
			wantCalls: 1,
		},
		{
			name:      "wrapped retryable error is retried",
			cfg:       func(c *Config) { c.RetryableErrors = []error{errUnavailable} },
			err:       fmt.Errorf("list roster: %w", errUnavailable),
			wantCalls: 3,
		},
		{
			name: "non-retryable wins over retryable",
			cfg: func(c *Config) {
				c.RetryableErrors = []error{errUnavailable}
				c.NonRetryableErrors = []error{errUnavailable}
			},
			err:       errUnavailable,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := quick(2)
			tt.cfg(&cfg)
			load, calls := flakyList(10, tt.err, nil)

			_, err := RetryWithResult(context.Background(), cfg, load)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantCalls, *calls)
		})
	}
}

func TestRetryWithResult_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	load, calls := flakyList(0, nil, []string{"alice"})

	_, err := RetryWithResult(ctx, quick(3), load)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, *calls)
}

func TestRetryWithResult_CancelledWhileWaiting(t *testing.T) {
	cfg := quick(5)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	load, calls := flakyList(10, errUnavailable, nil)

	start := time.Now()
	_, err := RetryWithResult(ctx, cfg, load)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "during wait")
	assert.Equal(t, 1, *calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryWithResult_DisabledCallsOnce(t *testing.T) {
	cfg := quick(5)
	cfg.Enabled = false
	load, calls := flakyList(1, errUnavailable, []string{"alice"})

	_, err := RetryWithResult(context.Background(), cfg, load)
	assert.Same(t, errUnavailable, err, "disabled retry returns the error untouched")
	assert.Equal(t, 1, *calls)
}

func TestRetry_ReportsOnlyTheError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), quick(1), func() error {
		attempts++
		if attempts == 1 {
			return errUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 2))
	assert.Equal(t, time.Second, calculateDelay(cfg, 10), "capped at MaxDelay")

	cfg.Jitter = true
	for i := 0; i < 50; i++ {
		d := calculateDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestDefaultConfigBacksOff(t *testing.T) {
	cfg := DefaultConfig()
	require.True(t, cfg.Enabled)
	assert.Positive(t, cfg.MaxAttempts)
	assert.Less(t, cfg.InitialDelay, cfg.MaxDelay)
	assert.Greater(t, cfg.Multiplier, 1.0)
}
