package lemmy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// RetryConfig is the explicit retry policy applied at each call site:
// how many attempts, how long between them, and (via RetriableError)
// which error kinds are worth another attempt.
type RetryConfig struct {
	MaxRetries        int           // retries after the first attempt (default: 3)
	InitialBackoff    time.Duration // first backoff (default: 1s)
	MaxBackoff        time.Duration // backoff ceiling (default: 30s)
	BackoffMultiplier float64       // growth factor (default: 2.0)
	Timeout           time.Duration // per-attempt timeout (default: 15s)

	// Circuit breaker settings, applied to home-server calls only.
	FailureThreshold int           // failures before opening (default: 5)
	SuccessThreshold int           // half-open successes before closing (default: 2)
	OpenTimeout      time.Duration // how long the circuit stays open (default: 30s)
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Timeout:           15 * time.Second,
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       30 * time.Second,
	}
}

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing fast
	CircuitHalfOpen                     // probing for recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker fails home-server calls fast when the server is
// flapping, instead of burning the full retry budget on every queued
// item.
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// Allow reports whether a request may proceed. When the open timeout
// has elapsed the breaker transitions to half-open and lets a probe
// through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess feeds a successful request back into the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

// RecordFailure feeds a failed request back into the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.successCount = 0
		}
	case CircuitHalfOpen:
		// Any failure while probing reopens the circuit.
		cb.state = CircuitOpen
		cb.successCount = 0
	}
}

// State returns the current state, for tests and logging.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// withRetry runs fn with bounded retries and exponential backoff. A
// nil breaker means the call is not fronted by one (foreign-instance
// listings, where one flaky server says nothing about the next).
func (c *Client) withRetry(ctx context.Context, op string, cb *CircuitBreaker, fn func(context.Context) error) error {
	var lastErr error
	backoff := c.retry.InitialBackoff

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if cb != nil {
			if err := cb.Allow(); err != nil {
				c.log.Warnw("request blocked by circuit breaker", "op", op, "state", cb.State().String())
				return fmt.Errorf("%s failed: %w", op, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if cb != nil {
				cb.RecordSuccess()
			}
			if attempt > 0 {
				c.log.Debugw("request succeeded after retries", "op", op, "retries", attempt)
			}
			return nil
		}
		lastErr = err

		if cb != nil && RetriableError(err) {
			cb.RecordFailure()
		}

		if !RetriableError(err) {
			return err
		}
		if attempt == c.retry.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: %w", op, ctx.Err())
		}

		c.log.Debugw("request failed, retrying",
			"op", op, "attempt", attempt+1, "max", c.retry.MaxRetries+1, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * c.retry.BackoffMultiplier)
			if backoff > c.retry.MaxBackoff {
				backoff = c.retry.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s failed: %w", op, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.retry.MaxRetries+1, lastErr)
}

// RetriableError reports whether an error is transient. Semantic
// not-found answers are final for this pass; timeouts, connection
// errors, malformed bodies, and server errors are worth retrying.
func RetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errMalformed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") {
		return true
	}

	// Server-side errors are retriable; other HTTP statuses are not.
	if strings.Contains(errStr, "status 5") {
		return true
	}
	return false
}
