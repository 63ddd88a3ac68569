// Package retry provides the backoff policy shared by the auth, upload,
// and polling stages so all network retries behave consistently.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded exponential backoff with jitter.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Randomization   float64
}

// Default returns the conservative policy used when nothing is configured:
// five attempts starting at 500ms, doubling up to 10s, with 50% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Randomization:   0.5,
	}
}

// Permanent marks err as non-retryable. Do stops immediately and returns
// the wrapped error as-is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op under the policy until it succeeds, returns a permanent
// error, or attempts are exhausted. The returned retry count is the
// number of re-executions after the first attempt, so a first-try
// success reports zero.
func (p Policy) Do(ctx context.Context, op func() error) (retries int, err error) {
	attempts := 0
	wrapped := func() error {
		attempts++
		return op()
	}
	err = backoff.Retry(wrapped, backoff.WithContext(p.backOff(), ctx))
	if attempts > 0 {
		retries = attempts - 1
	}
	return retries, err
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.Randomization >= 0 {
		b.RandomizationFactor = p.Randomization
	}
	// Attempt count, not elapsed time, bounds the loop.
	b.MaxElapsedTime = 0
	b.Reset()

	max := p.MaxAttempts
	if max <= 0 {
		max = Default().MaxAttempts
	}
	return backoff.WithMaxRetries(b, uint64(max-1))
}
