// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors. Callers branch on these with errors.Is.
var (
	// Lookup and input errors.
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrDuplicateEntry = errors.New("duplicate entry")

	// Match lifecycle errors.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAlreadyConfirmed    = fmt.Errorf("%w: already confirmed", ErrConcurrencyConflict)
	ErrInvalidTransition   = errors.New("invalid status transition")

	// Provider errors.
	ErrProviderFailure = errors.New("provider failure")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// UserMessage returns the user-facing message of the first UserError in err's
// chain, or err's own text when there is none.
func UserMessage(err error) string {
	var userErr *UserError
	if errors.As(err, &userErr) {
		return userErr.UserMessage
	}
	return err.Error()
}

// Validationf builds an ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds an ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimit) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}

// StatusError maps a non-2xx provider response to a classified error.
// 429 wraps ErrRateLimit; 408 and 5xx are retryable provider failures; other codes are permanent.
func StatusError(provider string, status int, body string) error {
	if len(body) > 512 {
		body = body[:512]
	}
	switch {
	case status == 429:
		return Retryable(fmt.Errorf("%s: %w (status %d): %s", provider, ErrRateLimit, status, body))
	case status == 408 || status >= 500:
		return Retryable(fmt.Errorf("%s: %w (status %d): %s", provider, ErrProviderFailure, status, body))
	default:
		return Permanent(fmt.Errorf("%s: %w (status %d): %s", provider, ErrProviderFailure, status, body))
	}
}
