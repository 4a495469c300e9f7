package llm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int     // retry attempts beyond the initial call
	BaseDelay         float64 // initial delay in seconds
	MaxDelay          float64 // maximum delay between retries
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         1.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.BackoffMultiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		delay = delay * (0.5 + rand.Float64()) // +/- 50%
	}
	return time.Duration(delay * float64(time.Second))
}

// retryClient wraps a Client with the retry policy.
type retryClient struct {
	inner  Client
	policy RetryPolicy
}

// WithRetry wraps client so retryable failures are retried with backoff.
func WithRetry(client Client, policy RetryPolicy) Client {
	return &retryClient{inner: client, policy: policy}
}

func (c *retryClient) CallAgent(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.policy.Delay(attempt - 1)):
			case <-ctx.Done():
				return nil, &RequestTimeoutError{TransportError{Message: "request aborted", Cause: ctx.Err()}}
			}
		}
		resp, err := c.inner.CallAgent(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}
