package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/picklr-io/tierctl/internal/ir"
)

// DefaultMaxAttempts is the default bound on backend calls per descriptor.
const DefaultMaxAttempts = 3

// RetryPolicy defines retry behavior for transient backend errors.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of calls, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay < p.BaseDelay {
		maxDelay = p.BaseDelay
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.5
	exp.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Retry calls fn until it succeeds, fails with a non-transient error or
// the policy is exhausted. It returns the number of calls made.
// onRetry, if set, is called before each sleep.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error, onRetry func(err error, wait time.Duration)) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if onRetry != nil {
		notify = func(err error, wait time.Duration) { onRetry(err, wait) }
	}

	err := backoff.RetryNotify(op, policy.backOff(ctx), notify)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return attempts, fmt.Errorf("retry cancelled: %w", err)
	}
	return attempts, err
}

// IsTransientError reports whether err may succeed on retry. Classified
// backend errors win; anything else is matched against common throttling
// and network failure messages.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if ir.IsPermanent(err) {
		return false
	}
	if ir.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"throttl",
	"rate exceed",
	"too many requests",
	"request limit",
	"service unavailable",
	"internal server error",
	"connection reset",
	"connection refused",
	"timeout",
	"tls handshake",
	"temporary failure",
}
