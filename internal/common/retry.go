package common

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/expense-flow/internal/service"
)

var (
	// ErrRateLimit indicates that the provider rejected the call for exceeding its quota.
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrMaxRetries indicates that all retry attempts have been exhausted.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// RetryableError marks whether a provider failure may succeed on another attempt.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as safe to retry.
func Retryable(err error) error {
	return &RetryableError{Err: err, Retryable: true}
}

// Permanent marks err as terminal so WithRetry returns it immediately.
func Permanent(err error) error {
	return &RetryableError{Err: err, Retryable: false}
}

// backoff produces exponentially growing delays capped at max. Rate-limited calls
// wait one extra step.
type backoff struct {
	next   time.Duration
	max    time.Duration
	factor float64
}

func newBackoff(opts service.RetryOptions) *backoff {
	b := &backoff{next: opts.InitialDelay, max: opts.MaxDelay, factor: opts.Multiplier}
	if b.next <= 0 {
		b.next = 100 * time.Millisecond
	}
	if b.max <= 0 {
		b.max = 30 * time.Second
	}
	if b.factor <= 1 {
		b.factor = 2
	}
	return b
}

func (b *backoff) grow(d time.Duration) time.Duration {
	return min(time.Duration(float64(d)*b.factor), b.max)
}

func (b *backoff) delay(err error) time.Duration {
	d := b.next
	if errors.Is(err, ErrRateLimit) {
		d = b.grow(d)
	}
	b.next = b.grow(b.next)
	return d
}

// WithRetry runs operation until it succeeds, returns an error IsRetryable rejects, or
// opts.MaxAttempts is reached. Exhaustion wraps both ErrMaxRetries and the last error.
func WithRetry(ctx context.Context, operation func() error, opts service.RetryOptions) error {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	b := newBackoff(opts)

	for attempt := 1; ; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, attempts, err)
		}

		wait := b.delay(err)
		slog.Warn("Provider call failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", wait,
			"error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
