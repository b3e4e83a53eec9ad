package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts       int           // Maximum number of attempts, including the first
	InitialBackoff    time.Duration // Delay before the second attempt
	MaxBackoff        time.Duration // Ceiling for ordinary failures
	RateLimitBackoff  time.Duration // Ceiling when the failure is a rate limit; MaxBackoff if zero
	BackoffMultiplier float64       // Multiplier for exponential backoff
	Jitter            bool          // Randomise each delay within [0.5, 1.0] of its nominal value
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        60 * time.Second,
		RateLimitBackoff:  60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryableFunc is one attempt. attempt starts at 0.
type RetryableFunc func(ctx context.Context, attempt int) error

// IsRetryableError checks if an error is retryable
type IsRetryableError func(error) bool

// RetryPolicy classifies attempt failures. Nil fields fall back to
// "everything retryable" and "nothing rate limited".
type RetryPolicy struct {
	IsRetryable   IsRetryableError
	IsRateLimited func(error) bool
	OnRetry       func(attempt int, err error, delay time.Duration)
}

// Retry runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is cancelled. A cancelled ctx interrupts the backoff wait
// immediately and its error is returned.
func Retry(ctx context.Context, config *RetryConfig, policy RetryPolicy, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if policy.IsRetryable != nil && !policy.IsRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		ceiling := config.MaxBackoff
		if policy.IsRateLimited != nil && policy.IsRateLimited(err) && config.RateLimitBackoff > 0 {
			ceiling = config.RateLimitBackoff
		}
		delay := CalculateBackoff(attempt, config.InitialBackoff, ceiling, config.BackoffMultiplier)
		if config.Jitter {
			delay = applyJitter(delay)
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}

		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CalculateBackoff calculates the backoff duration for a given attempt
func CalculateBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(initialBackoff) * math.Pow(multiplier, float64(attempt))
	if maxBackoff > 0 && backoff > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(backoff)
}

func applyJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// IsRetryableNetworkError checks if an error is a retryable network error
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if IsRetryable(err) {
		return true
	}

	return containsAny(strings.ToLower(err.Error()), []string{
		// connection errors
		"connection refused",
		"connection reset",
		"connection closed",
		"broken pipe",
		"transport is closing",
		"unavailable",
		"network is unreachable",
		"no route to host",
		"unexpected eof",
		// timeouts
		"deadline exceeded",
		"timeout",
		// temporary exhaustion
		"resource exhausted",
		"too many connections",
		"too many requests",
		"rate limit",
	})
}

func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// RetryableError wraps an error to indicate it's retryable
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error is a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
