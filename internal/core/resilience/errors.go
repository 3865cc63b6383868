package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrNonRetryable marks an error as explicitly non-retryable.
var ErrNonRetryable = errors.New("error is not retryable")

// DefaultErrorChecker classifies pgx/database-sql driver errors as
// retryable: transient network conditions, timeouts, and anything
// satisfying the stdlib Temporary() interface. Errors wrapped in
// ErrNonRetryable are permanent; every other error defaults to
// retryable.
type DefaultErrorChecker struct{}

// IsRetryable implements RetryableErrorChecker.
func (c *DefaultErrorChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	if isTransientNetworkError(err) {
		return true
	}

	if isTimeoutError(err) {
		return true
	}

	type temporary interface {
		Temporary() bool
	}
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}

	return true
}

// isTransientNetworkError reports whether err is a network condition a
// retry is likely to ride out: a connection reset mid-statement, or a
// refused/unreachable target that may just be mid-failover.
func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED),
			errors.Is(opErr.Err, syscall.ECONNRESET),
			errors.Is(opErr.Err, syscall.ENETUNREACH),
			errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return true
		}
	}

	return false
}

// isTimeoutError reports whether err represents a timeout, either via
// the stdlib Timeout() interface or a message pgx/go-sql-driver commonly
// produce for a stalled connection.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"timeout",
		"deadline exceeded",
		"i/o timeout",
		"timed out",
	} {
		if strings.Contains(errMsg, indicator) {
			return true
		}
	}

	type timeout interface {
		Timeout() bool
	}
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}

	return false
}
