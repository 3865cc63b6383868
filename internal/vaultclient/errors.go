package vaultclient

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrUnauthorized marks an unauthorized failure. The client itself reports
// a 401/403 response as an *HTTPError; IsUnauthorized recognizes both.
// Callers must not retry; the Managed-Key Controller owns recovery.
var ErrUnauthorized = errors.New("vaultclient: unauthorized")

// ErrNoCredentials is returned when no usable authentication material is
// configured: no explicit token, no static API key, no cached bearer, and
// no username/password.
var ErrNoCredentials = errors.New("vaultclient: no credentials configured")

// HTTPError wraps a non-2xx response from the vault API.
type HTTPError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("vaultclient: %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// IsRetryable reports whether err should trigger a retry under the policy
// in spec §4.1: network failures matching a known transient set, 5xx, or
// 429. 401/403 are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 401 || httpErr.StatusCode == 403:
			return false
		case httpErr.StatusCode == 429:
			return true
		case httpErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
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

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection refused", "host not found", "timed out", "socket hang up"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}

	return false
}

// IsUnauthorized reports whether err represents a 401/403 from the vault.
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 401 || httpErr.StatusCode == 403
	}
	return errors.Is(err, ErrUnauthorized)
}
