// Package resilient bounds calls to the remote authority with a
// timeout and retries.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/protravka/protravka/authority"
	"github.com/protravka/protravka/metrics"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/felixgeelhaar/fortify/timeout"
)

const (
	// DefaultTimeout bounds a call including all of its attempts.
	DefaultTimeout = 15 * time.Second

	DefaultAttempts   = 3
	DefaultRetryDelay = 250 * time.Millisecond
)

// Caller holds the bounds applied to calls.
type Caller struct {
	timeout    time.Duration
	attempts   int
	retryDelay time.Duration
	metrics    *metrics.Metrics
}

type Option func(*Caller)

// WithTimeout bounds each call to d.
func WithTimeout(d time.Duration) Option {
	return func(c *Caller) {
		c.timeout = d
	}
}

// WithAttempts sets the maximum attempts per call.
func WithAttempts(n int) Option {
	return func(c *Caller) {
		c.attempts = n
	}
}

// WithRetryDelay sets the delay before the first retry.
// Later retries back off exponentially.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Caller) {
		c.retryDelay = d
	}
}

// WithMetrics observes call durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Caller) {
		c.metrics = m
	}
}

func New(opts ...Option) *Caller {
	c := &Caller{
		timeout:    DefaultTimeout,
		attempts:   DefaultAttempts,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type result[T any] struct {
	value    T
	rejected error
}

// Call runs fn bounded by the timeout and retries of c.
// Final failures (see authority.IsFinal) are returned as is and never
// retried. Every other failure is returned wrapping
// authority.ErrUnreachable since its outcome is unknown.
// A nil c uses the defaults.
func Call[T any](ctx context.Context, c *Caller, name string, fn func(context.Context) (T, error)) (T, error) {
	if c == nil {
		c = New()
	}
	defer c.metrics.ObserveCall(name, time.Now())

	r := retry.New[result[T]](retry.Config{
		MaxAttempts:   c.attempts,
		InitialDelay:  c.retryDelay,
		BackoffPolicy: retry.BackoffExponential,
	})
	t := timeout.New[result[T]](timeout.Config{
		DefaultTimeout: c.timeout,
	})

	res, err := t.Execute(ctx, c.timeout, func(ctx context.Context) (result[T], error) {
		return r.Do(ctx, func(ctx context.Context) (result[T], error) {
			v, err := fn(ctx)
			if err != nil && authority.IsFinal(err) {
				return result[T]{rejected: err}, nil
			}
			return result[T]{value: v}, err
		})
	})

	var zero T
	if err != nil {
		if errors.Is(err, authority.ErrUnreachable) {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %s: %w", authority.ErrUnreachable, name, err)
	}
	if res.rejected != nil {
		return zero, res.rejected
	}
	return res.value, nil
}
