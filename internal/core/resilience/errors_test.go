package resilience

import (
	"errors"
	"net"
	"syscall"
	"testing"
)

func TestDefaultErrorChecker_NonRetryableWrapped(t *testing.T) {
	c := &DefaultErrorChecker{}
	err := errors.Join(ErrNonRetryable, errors.New("unique constraint violated"))

	if c.IsRetryable(err) {
		t.Error("expected ErrNonRetryable-wrapped error to be non-retryable")
	}
}

func TestDefaultErrorChecker_ConnectionRefused(t *testing.T) {
	c := &DefaultErrorChecker{}
	err := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}

	if !c.IsRetryable(err) {
		t.Error("expected connection-refused to be retryable")
	}
}

func TestDefaultErrorChecker_HostUnreachable(t *testing.T) {
	c := &DefaultErrorChecker{}
	err := &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}

	if !c.IsRetryable(err) {
		t.Error("expected host-unreachable to be retryable")
	}
}

func TestDefaultErrorChecker_TimeoutMessage(t *testing.T) {
	c := &DefaultErrorChecker{}
	err := errors.New("read tcp 10.0.0.1:5432: i/o timeout")

	if !c.IsRetryable(err) {
		t.Error("expected i/o timeout message to be retryable")
	}
}

func TestDefaultErrorChecker_DefaultsToRetryable(t *testing.T) {
	c := &DefaultErrorChecker{}
	err := errors.New("unexpected driver error")

	if !c.IsRetryable(err) {
		t.Error("expected an unclassified error to default to retryable")
	}
}

func TestDefaultErrorChecker_NilError(t *testing.T) {
	c := &DefaultErrorChecker{}
	if c.IsRetryable(nil) {
		t.Error("expected nil error to be non-retryable")
	}
}
