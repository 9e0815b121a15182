// Package errs defines the error taxonomy shared by the sync core.
//
// Local failures (ValidationError, InsufficientResourceError,
// FeatureUnavailableError) are returned synchronously and never reach the
// network. Remote outcomes (AuthorityRejectedError, ConnectivityError,
// RetryExhaustedError) are produced after an optimistic mutation and are
// normally resolved by rollback or fallback strategies.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNilEvent is returned when publishing a nil event.
	ErrNilEvent = errors.New("event is nil")
	// ErrInvalidTransition is returned for an illegal pending operation state change.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrQueueFull is returned when a bounded queue cannot accept more items.
	ErrQueueFull = errors.New("queue is full")
	// ErrNotConnected is returned by transports used before a connection exists.
	ErrNotConnected = errors.New("not connected")
)

// ValidationError is a local invariant violation such as a negative amount
// or a malformed key.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed for %q: %s", e.Key, e.Reason)
}

func NewValidationError(key, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// InsufficientResourceError is a local precondition failure, e.g. not
// enough balance. No optimistic mutation is performed.
type InsufficientResourceError struct {
	Resource  string
	Available int64
	Required  int64
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient %s: have %d, need %d", e.Resource, e.Available, e.Required)
}

func IsInsufficientResource(err error) bool {
	var target *InsufficientResourceError
	return errors.As(err, &target)
}

// FeatureUnavailableError is returned when a capability was disabled by the
// fallback strategy.
type FeatureUnavailableError struct {
	Feature string
	Reason  string
}

func (e *FeatureUnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("feature %q is unavailable", e.Feature)
	}
	return fmt.Sprintf("feature %q is unavailable: %s", e.Feature, e.Reason)
}

func IsFeatureUnavailable(err error) bool {
	var target *FeatureUnavailableError
	return errors.As(err, &target)
}

// AuthorityRejectedError means the remote authority explicitly refused an
// operation.
type AuthorityRejectedError struct {
	Operation string
	Code      string
	Message   string
}

func (e *AuthorityRejectedError) Error() string {
	return fmt.Sprintf("authority rejected %s: %s (%s)", e.Operation, e.Message, e.Code)
}

func IsAuthorityRejected(err error) bool {
	var target *AuthorityRejectedError
	return errors.As(err, &target)
}

// ConnectivityError means the authority gave no definitive answer.
type ConnectivityError struct {
	Operation string
	Cause     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("authority unreachable for %s: %v", e.Operation, e.Cause)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Cause
}

func IsConnectivity(err error) bool {
	var target *ConnectivityError
	return errors.As(err, &target)
}

// RetryExhaustedError is the terminal failure after all backoff attempts.
type RetryExhaustedError struct {
	Operation string
	Attempts  int
	Cause     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Cause
}

func IsRetryExhausted(err error) bool {
	var target *RetryExhaustedError
	return errors.As(err, &target)
}
