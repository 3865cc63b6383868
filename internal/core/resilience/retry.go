// Package resilience provides the retry helper internal/dynamiccreds'
// SQL drivers use to ride out a transient connection blip against a
// target database during credential generation, revocation, or renewal.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy configures WithRetry's exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	// ErrorChecker decides which errors are worth retrying. If nil, every
	// non-nil error is treated as retryable.
	ErrorChecker RetryableErrorChecker

	Logger        *slog.Logger
	OperationName string
}

// RetryableErrorChecker decides whether an error is transient and worth
// retrying, as opposed to a permanent failure (bad SQL, auth rejection).
type RetryableErrorChecker interface {
	IsRetryable(err error) bool
}

// DefaultRetryPolicy returns a 3-retry (4-attempt), 100ms-5s exponential-backoff policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// WithRetry runs operation under policy, retrying on failure until it
// succeeds, the error is classified non-retryable, retries are exhausted,
// or ctx is cancelled.
func WithRetry(ctx context.Context, policy *RetryPolicy, operation func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	delay := policy.BaseDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry",
					"operation", policy.OperationName,
					"attempt", attempt+1,
				)
			}
			return nil
		}

		lastErr = err

		if !shouldRetry(err, policy.ErrorChecker) {
			logger.Debug("error is non-retryable, stopping",
				"operation", policy.OperationName,
				"error", err,
				"attempt", attempt+1,
			)
			return lastErr
		}

		if attempt >= policy.MaxRetries {
			logger.Error("operation failed after all retries",
				"operation", policy.OperationName,
				"max_retries", policy.MaxRetries,
				"error", lastErr,
			)
			break
		}

		logger.Warn("operation failed, retrying",
			"operation", policy.OperationName,
			"attempt", attempt+1,
			"max_retries", policy.MaxRetries,
			"delay", delay,
			"error", err,
		)

		if !waitWithContext(ctx, delay) {
			return ctx.Err()
		}

		delay = calculateNextDelay(delay, policy)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

func shouldRetry(err error, checker RetryableErrorChecker) bool {
	if err == nil {
		return false
	}
	if checker != nil {
		return checker.IsRetryable(err)
	}
	return true
}

func waitWithContext(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func calculateNextDelay(currentDelay time.Duration, policy *RetryPolicy) time.Duration {
	nextDelay := time.Duration(float64(currentDelay) * policy.Multiplier)
	if nextDelay > policy.MaxDelay {
		nextDelay = policy.MaxDelay
	}
	if policy.Jitter {
		nextDelay += time.Duration(float64(nextDelay) * 0.1 * rand.Float64())
	}
	return nextDelay
}
