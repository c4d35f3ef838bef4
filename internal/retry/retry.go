// Package retry runs store operations under a bounded backoff policy.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffType identifies the backoff strategy.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// Policy defines a retry strategy. MaxRetries counts retries after the first
// attempt, so MaxRetries = 2 allows three attempts in total.
type Policy struct {
	MaxRetries   int           `json:"max_retries"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Backoff      BackoffType   `json:"backoff"`
	JitterFactor float64       `json:"jitter_factor"` // 0.0-1.0
}

// DefaultPolicy retries three times starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Backoff:      BackoffExponential,
		JitterFactor: 0.25,
	}
}

// NoRetryPolicy never retries.
func NoRetryPolicy() Policy {
	return Policy{}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.InitialDelay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffLinear:
		delay = p.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		delay = p.InitialDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	default:
		delay = p.InitialDelay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		jitter := float64(delay) * p.JitterFactor * (rand.Float64()*2 - 1)
		delay = time.Duration(float64(delay) + jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Retryable decides whether an error is worth another attempt.
type Retryable func(error) bool

// Always retries every error.
func Always(error) bool { return true }

// Hook observes a failed attempt that is about to be retried.
type Hook func(attempt int, err error, delay time.Duration)

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. The last error is returned. Context cancellation
// stops waiting immediately.
func Do(ctx context.Context, p Policy, retryable Retryable, fn func(ctx context.Context, attempt int) error) error {
	_, err := DoResult(ctx, p, retryable, nil, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// DoResult is Do for functions that return a value; onRetry may be nil.
func DoResult[T any](ctx context.Context, p Policy, retryable Retryable, onRetry Hook, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if retryable == nil {
		retryable = Always
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		r, err := fn(ctx, attempt)
		if err == nil {
			return r, nil
		}
		lastErr = err

		if attempt >= p.MaxRetries || !retryable(err) {
			break
		}

		delay := p.Delay(attempt + 1)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			case <-timer.C:
			}
		}
	}
	return zero, lastErr
}
