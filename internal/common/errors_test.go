package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/expense-flow/internal/service"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "rate limit", err: fmt.Errorf("wrap: %w", ErrRateLimit), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "marked retryable", err: Retryable(errors.New("boom")), want: true},
		{name: "marked permanent", err: Permanent(errors.New("bad request")), want: false},
		{name: "plain", err: errors.New("plain"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestStatusError(t *testing.T) {
	err := StatusError("openai", 429, "slow down")
	assert.ErrorIs(t, err, ErrRateLimit)
	assert.True(t, IsRetryable(err))

	err = StatusError("openai", 503, "unavailable")
	assert.ErrorIs(t, err, ErrProviderFailure)
	assert.True(t, IsRetryable(err))

	err = StatusError("openai", 401, "bad key")
	assert.ErrorIs(t, err, ErrProviderFailure)
	assert.False(t, IsRetryable(err))
}

func TestErrAlreadyConfirmedIsConflict(t *testing.T) {
	err := fmt.Errorf("confirm: %w", ErrAlreadyConfirmed)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.NotErrorIs(t, ErrConcurrencyConflict, ErrAlreadyConfirmed)
}

func TestUserError(t *testing.T) {
	tests := []struct {
		err         error
		name        string
		wantMessage string
		wantIs      error
	}{
		{
			name:        "wrapped conflict",
			err:         fmt.Errorf("confirm: %w", NewUserError("list it again and retry", ErrConcurrencyConflict)),
			wantMessage: "list it again and retry",
			wantIs:      ErrConcurrencyConflict,
		},
		{
			name:        "no cause",
			err:         NewUserError("nothing to do", nil),
			wantMessage: "nothing to do",
		},
		{
			name:        "plain error",
			err:         NotFoundf("receipt r1"),
			wantMessage: "not found: receipt r1",
			wantIs:      ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMessage, UserMessage(tt.err))
			if tt.wantIs != nil {
				assert.ErrorIs(t, tt.err, tt.wantIs)
			}
		})
	}

	err := NewUserError("list it again and retry", ErrAlreadyConfirmed)
	assert.Equal(t, "list it again and retry: concurrency conflict: already confirmed", err.Error())
}

func TestWithRetry(t *testing.T) {
	opts := service.RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return Retryable(errors.New("transient"))
			}
			return nil
		}, opts)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), func() error {
			calls++
			return fmt.Errorf("call: %w", ErrRateLimit)
		}, opts)
		assert.ErrorIs(t, err, ErrMaxRetries)
		assert.ErrorIs(t, err, ErrRateLimit)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), func() error {
			calls++
			return Permanent(errors.New("bad request"))
		}, opts)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := WithRetry(ctx, func() error {
			calls++
			cancel()
			return Retryable(errors.New("transient"))
		}, service.RetryOptions{MaxAttempts: 5, InitialDelay: time.Second})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestCompileInsensitive(t *testing.T) {
	re, err := CompileInsensitive(`\bdelta\b`)
	require.NoError(t, err)
	assert.True(t, re.MatchString("DELTA AIR"))

	_, err = CompileInsensitive("")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("Warning").String())
	assert.Equal(t, "INFO", ParseLevel("bogus").String())
}
