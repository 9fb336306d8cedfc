package lemmy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Timeout:           time.Second,
		FailureThreshold:  100,
		SuccessThreshold:  1,
		OpenTimeout:       time.Second,
	}
}

func newRetryClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(&Config{Home: "home.example", Retry: fastRetry()})
	require.NoError(t, err)
	return c
}

func TestRetriableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", ErrNotFound, false},
		{"wrapped not found", fmt.Errorf("resolve: %w", ErrNotFound), false},
		{"circuit open", ErrCircuitOpen, false},
		{"deadline", context.DeadlineExceeded, true},
		{"malformed", fmt.Errorf("%w: <html>", errMalformed), true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"server error", errors.New("unexpected status 503 from a.example"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"plain semantic error", errors.New("follow error: not_a_moderator"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetriableError(tt.err))
		})
	}
}

func TestWithRetryExhaustsBound(t *testing.T) {
	c := newRetryClient(t)

	attempts := 0
	err := c.withRetry(context.Background(), "op", nil, func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w: truncated", errMalformed)
	})
	require.Error(t, err)
	// First attempt plus MaxRetries retries.
	assert.Equal(t, 4, attempts)
}

func TestWithRetryNotFoundIsFinal(t *testing.T) {
	c := newRetryClient(t)

	attempts := 0
	err := c.withRetry(context.Background(), "resolve", nil, func(ctx context.Context) error {
		attempts++
		return ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, attempts, "semantic not-found must not be retried")
}

func TestWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	c := newRetryClient(t)

	attempts := 0
	err := c.withRetry(context.Background(), "op", nil, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, 20*time.Millisecond)

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// After the open timeout one probe is allowed through.
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerReopensOnProbeFailure(t *testing.T) {
	cb := NewCircuitBreaker(1, 1, 10*time.Millisecond)

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestWithRetryFailsFastWhenCircuitOpen(t *testing.T) {
	c := newRetryClient(t)
	cb := NewCircuitBreaker(1, 1, time.Minute)
	cb.RecordFailure()

	attempts := 0
	err := c.withRetry(context.Background(), "op", cb, func(ctx context.Context) error {
		attempts++
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, attempts)
}
