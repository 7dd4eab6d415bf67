package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestRetry_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	var waits []time.Duration
	attempts, err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("throttled")
		}
		return nil
	}, func(err error, wait time.Duration) {
		waits = append(waits, wait)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2)
}

func TestRetry_NonTransientStopsImmediately(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return fmt.Errorf("access denied")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, "access denied", err.Error())
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetry_NeverExceedsMaxAttempts(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		return ir.Transient(errors.New("still busy"))
	}, nil)

	require.Error(t, err)
	assert.True(t, ir.IsTransient(err))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetry_SingleAttempt(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), fastPolicy(1), func() error {
		calls++
		return fmt.Errorf("throttled")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetry_ZeroDelay(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 4}, func() error {
		calls++
		if calls < 4 {
			return ir.Transient(errors.New("busy"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Retry(ctx, RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}, func() error {
		calls++
		return fmt.Errorf("would retry: throttled")
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"throttling", fmt.Errorf("throttling"), true},
		{"rate exceeded", fmt.Errorf("Rate exceeded"), true},
		{"too many requests", fmt.Errorf("Too Many Requests"), true},
		{"service unavailable", fmt.Errorf("Service Unavailable"), true},
		{"connection reset", fmt.Errorf("connection reset by peer"), true},
		{"io timeout", fmt.Errorf("i/o timeout"), true},
		{"not found", fmt.Errorf("resource not found"), false},
		{"access denied", fmt.Errorf("access denied"), false},
		{"classified transient", ir.Transient(errors.New("quota")), true},
		{"classified permanent wins", ir.Permanent(errors.New("throttled forever")), false},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransientError(tt.err))
		})
	}
}
