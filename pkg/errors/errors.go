// Package errors defines the typed errors used across crier.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrValidation is returned when input fails validation
	ErrValidation = "validation"

	// ErrAuthentication is returned when a request fails authentication
	ErrAuthentication = "authentication"

	// ErrAuthorization is returned when a request is not permitted
	ErrAuthorization = "authorization"

	// ErrRateLimit is returned when a provider is over its rate budget
	ErrRateLimit = "rate_limit"

	// ErrUpstreamTransient is returned for retryable upstream failures
	// (network errors, 5xx, 429, timeouts)
	ErrUpstreamTransient = "upstream_transient"

	// ErrUpstreamPermanent is returned for non-retryable upstream failures
	// (400/401/403/404)
	ErrUpstreamPermanent = "upstream_permanent"

	// ErrLocalFatal is returned for unrecoverable local failures such as
	// cache corruption or a strict-mode template miss
	ErrLocalFatal = "local_fatal"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(message string, cause error) *Error {
	return NewError(ErrAuthentication, message, cause)
}

// NewAuthorizationError creates a new authorization error
func NewAuthorizationError(message string, cause error) *Error {
	return NewError(ErrAuthorization, message, cause)
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(message string, cause error) *Error {
	return NewError(ErrRateLimit, message, cause)
}

// NewUpstreamTransientError creates a new transient upstream error
func NewUpstreamTransientError(message string, cause error) *Error {
	return NewError(ErrUpstreamTransient, message, cause)
}

// NewUpstreamPermanentError creates a new permanent upstream error
func NewUpstreamPermanentError(message string, cause error) *Error {
	return NewError(ErrUpstreamPermanent, message, cause)
}

// NewLocalFatalError creates a new local fatal error
func NewLocalFatalError(message string, cause error) *Error {
	return NewError(ErrLocalFatal, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return isType(err, ErrValidation)
}

// IsAuthentication checks if the error is an authentication error
func IsAuthentication(err error) bool {
	return isType(err, ErrAuthentication)
}

// IsAuthorization checks if the error is an authorization error
func IsAuthorization(err error) bool {
	return isType(err, ErrAuthorization)
}

// IsRateLimit checks if the error is a rate limit error
func IsRateLimit(err error) bool {
	return isType(err, ErrRateLimit)
}

// IsUpstreamTransient checks if the error is a transient upstream error
func IsUpstreamTransient(err error) bool {
	return isType(err, ErrUpstreamTransient)
}

// IsUpstreamPermanent checks if the error is a permanent upstream error
func IsUpstreamPermanent(err error) bool {
	return isType(err, ErrUpstreamPermanent)
}

// IsLocalFatal checks if the error is a local fatal error
func IsLocalFatal(err error) bool {
	return isType(err, ErrLocalFatal)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
