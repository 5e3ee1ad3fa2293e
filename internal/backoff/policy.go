// Package backoff holds the bounded retry policy shared by every component that
// retries: in-process retries of transient failures and durably scheduled retries.
package backoff

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy bounds a retry loop. Jitter is a fraction of each delay (0.2 = ±20%).
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter      float64       `mapstructure:"jitter" yaml:"jitter"`
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

func (p Policy) backoff(jitter bool) retry.Backoff {
	p = p.normalized()
	b := retry.NewExponential(p.BaseDelay)
	if jitter && p.Jitter > 0 {
		b = retry.WithJitterPercent(uint64(p.Jitter*100), b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return b
}

// Delay returns the wait before retry number attempt (1-based), used when a retry is
// persisted rather than slept on.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.backoff(true)
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

// Exhausted reports whether attempts used up the policy.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}

// Do runs fn until it succeeds, returns an error retryable does not accept, the
// attempts run out, or ctx is done. The last error is returned as-is.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	p = p.normalized()
	b := retry.WithMaxRetries(uint64(p.MaxAttempts-1), p.backoff(true))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
