// Package failure defines the error taxonomy shared by the retry executor,
// circuit breaker and queue processor.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Class is the outcome classification of a failed attempt.
type Class int

const (
	ClassNone Class = iota
	ClassRetryable
	ClassFatal
	ClassCircuitOpen
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassCircuitOpen:
		return "circuit_open"
	default:
		return "class(" + strconv.Itoa(int(c)) + ")"
	}
}

// Retryable conditions.
var (
	ErrTimeout        = errors.New("timeout")
	ErrConnectionLost = errors.New("connection lost")
	ErrUnavailable    = errors.New("service unavailable")
	ErrRateLimited    = errors.New("rate limited")
)

// Fatal conditions. They need user action and are never retried automatically.
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrTokenExpired     = errors.New("token expired")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMalformed        = errors.New("malformed request")
	ErrNotFound         = errors.New("entity not found")
	ErrRejected         = errors.New("content rejected")
)

// ErrCircuitOpen is produced locally by the breaker, never by the backend.
var ErrCircuitOpen = errors.New("circuit open")

// Error carries an explicit classification and an optional server hint.
type Error struct {
	Class      Class
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return e.Reason + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Reason != "":
		return e.Reason
	default:
		return e.Class.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable failure.
func Retryable(err error, reason string) *Error {
	return &Error{Class: ClassRetryable, Reason: reason, Err: err}
}

// Fatal wraps err as a fatal failure.
func Fatal(err error, reason string) *Error {
	return &Error{Class: ClassFatal, Reason: reason, Err: err}
}

// RateLimited builds a retryable failure with a server supplied delay hint.
func RateLimited(after time.Duration, reason string) *Error {
	return &Error{Class: ClassRetryable, Reason: reason, RetryAfter: after, Err: ErrRateLimited}
}

// Classifier decides how an attempt error is handled.
type Classifier func(error) Class

// Classify is the default classifier. Unknown errors are treated as
// transient: connection refused, EOF and friends rarely say anything else.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var fe *Error
	if errors.As(err, &fe) && fe.Class != ClassNone {
		return fe.Class
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrMalformed),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrRejected):
		return ClassFatal
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return ClassRetryable
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ClassRetryable
	}

	return ClassRetryable
}

// RetryAfter returns the server delay hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Reason returns a short user-facing description of err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	for _, s := range []error{
		ErrTokenExpired, ErrUnauthenticated, ErrPermissionDenied, ErrMalformed,
		ErrNotFound, ErrRejected, ErrCircuitOpen, ErrRateLimited, ErrTimeout,
		ErrConnectionLost, ErrUnavailable,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}

// Describe renders class and reason for persistence in a queue record.
func Describe(err error) (class, reason string) {
	return Classify(err).String(), Reason(err)
}

// Wrap adds context to err while keeping it classifiable.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
