package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Read when the resource no longer exists.
	ErrNotFound = errors.New("resource not found")
	// ErrUnknownKind is returned for kinds an adapter does not manage.
	ErrUnknownKind = errors.New("unknown resource kind")
)

// TransientError marks a failure worth retrying: throttling, eventual
// consistency gaps, network blips.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix, such as an
// authorization failure or a malformed declaration.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf builds a retryable error.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Fatal wraps err as non-retryable. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf builds a non-retryable error.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
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
	"i/o timeout",
	"temporary failure",
	"eventual consisten",
}

// IsTransient reports whether err should be retried. Typed errors decide
// first; untyped errors fall back to message patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownKind) || errors.Is(err, context.Canceled) {
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

// Classify wraps an untyped error as *TransientError or *FatalError.
// Typed errors and ErrNotFound are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var transient *TransientError
	var fatal *FatalError
	if errors.As(err, &transient) || errors.As(err, &fatal) || errors.Is(err, ErrNotFound) {
		return err
	}
	if IsTransient(err) {
		return &TransientError{Err: err}
	}
	return &FatalError{Err: err}
}
