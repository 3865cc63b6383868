package vaultclient

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/zncore/vault-agent/pkg/metrics"
)

// RetryPolicy implements the backoff schedule from spec §4.1:
// delay = min(1s*2^attempt + U(0,1s), 10s), with at most MaxAttempts
// attempts in total.
// NoRetry forces a single attempt regardless of the outcome, for calls
// where a retry is dangerous (login risks account lockout; acks are
// best-effort and must not pile up behind a stalled vault).
type RetryPolicy struct {
	MaxAttempts int
	NoRetry     bool
	Operation   string
	Logger      *slog.Logger
	Metrics     *metrics.VaultClientMetrics
}

// DefaultRetryPolicy returns the standard 3-attempt policy.
func DefaultRetryPolicy(operation string) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, Operation: operation}
}

// WithRetry runs fn under policy, sleeping between attempts per the
// spec's backoff formula and stopping early on a non-retryable error or
// context cancellation.
func WithRetry(ctx context.Context, policy *RetryPolicy, fn func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy("unknown")
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxAttempts := policy.MaxAttempts
	if policy.NoRetry || maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if policy.Metrics != nil {
			policy.Metrics.RequestsTotal.WithLabelValues(policy.Operation, "error").Inc()
		}

		if attempt == maxAttempts-1 || !IsRetryable(err) {
			return lastErr
		}

		delay := backoffDelay(attempt)
		logger.Warn("vault request failed, retrying",
			"operation", policy.Operation,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if policy.Metrics != nil {
			policy.Metrics.RetriesTotal.WithLabelValues(policy.Operation).Inc()
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("vaultclient: %s failed after %d attempts: %w", policy.Operation, maxAttempts, lastErr)
}

// backoffDelay computes min(1s*2^attempt + U(0,1s), 10s).
func backoffDelay(attempt int) time.Duration {
	base := time.Second * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	delay := base + jitter
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	return delay
}
