package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrRequestTimeout is returned when a call exceeds its timeout.
	ErrRequestTimeout = errors.New("request timeout exceeded")
)

// RetryConfig defines retry behaviour for provider invocations.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for retry behaviour.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy determines if a call should be retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether another attempt is allowed after err.
// Open circuits, cancellations and exhausted attempts are never retried.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if rp == nil || err == nil {
		return false
	}
	if attempt >= rp.config.MaxRetries {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))

	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		backoff += jitter
	}

	return backoff
}

// Do runs fn until it succeeds, the policy gives up or ctx ends. It returns
// the number of retries performed alongside the final error.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	retries := 0
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return retries, nil
		}
		if !rp.ShouldRetry(err, attempt) {
			if rp != nil && attempt > 0 && attempt >= rp.config.MaxRetries {
				return retries, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
			}
			return retries, err
		}

		select {
		case <-ctx.Done():
			return retries, ctx.Err()
		case <-time.After(rp.CalculateBackoff(attempt)):
		}
		retries++
	}
}

// WithTimeout derives a context bounded by timeout. A non-positive timeout
// returns ctx unchanged.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
