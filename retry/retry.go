// Package retry provides the retry-policy combinator used for service
// starts: a bounded number of attempts with exponential, jittered backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy defines how a failing operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
	// Jitter is the randomization factor applied to each delay (0 to 1).
	Jitter float64
}

// DefaultPolicy returns the policy used when a dependency entry does not
// override it.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  1,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// WithMaxAttempts sets the total number of attempts.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// WithRetries sets the number of attempts after the first.
func (p Policy) WithRetries(retries int) Policy {
	p.MaxAttempts = retries + 1
	return p
}

// WithInitialDelay sets the first delay.
func (p Policy) WithInitialDelay(d time.Duration) Policy {
	p.InitialDelay = d
	return p
}

// WithMaxDelay sets the delay cap.
func (p Policy) WithMaxDelay(d time.Duration) Policy {
	p.MaxDelay = d
	return p
}

// WithJitter sets the randomization factor.
func (p Policy) WithJitter(jitter float64) Policy {
	p.Jitter = jitter
	return p
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.Jitter >= 0 && p.Jitter <= 1 {
		b.RandomizationFactor = p.Jitter
	}
	return b
}

// Delays returns the nominal delay before each retry, without jitter.
func (p Policy) Delays() []time.Duration {
	b := p.WithJitter(0).backOff()
	b.Reset()
	delays := make([]time.Duration, 0, p.attempts()-1)
	for i := 1; i < p.attempts(); i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, next time.Duration)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, the policy runs
// out of attempts, or ctx is done. It returns the number of attempts made
// and the last error. fn receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, notify Notify) (int, error) {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		return struct{}{}, fn(ctx, attempt)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.attempts())),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			notify(attempt, err, next)
		}))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return attempt, err
}
