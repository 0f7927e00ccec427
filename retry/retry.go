// Package retry implements the pure retry policy of spec.md §4.1: a
// stateless mapping from (attempt, error, config) to (retry?, delay).
//
// The delay formulas for fixed/linear/exponential are spelled out exactly
// in spec.md and are computed directly rather than through a general
// backoff library, since none of the standard backoff packages expose the
// linear/jitter-bounds formulas the spec requires bit-for-bit. The
// exponential sequencing itself is still grounded on the shape of
// github.com/cenkalti/backoff/v5's ExponentialBackOff (attempt-indexed,
// multiplier-driven, capped at a max) — see delayExponential.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/meridian-erp/eventrt/errs"
)

// Policy names the backoff shape a RetryConfig selects.
type Policy string

const (
	PolicyNone                   Policy = "none"
	PolicyFixed                  Policy = "fixed"
	PolicyLinear                 Policy = "linear"
	PolicyExponential            Policy = "exponential"
	PolicyExponentialWithJitter  Policy = "exponential_with_jitter"
)

// Config is spec.md §3's RetryConfig.
type Config struct {
	Policy             Policy
	MaxAttempts        int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	BackoffMultiplier  float64
	JitterFactor       float64
	RetryableErrorTags []errs.Tag
}

// DefaultConfig mirrors the teacher's MaxRetryCount = 3 default (Tim275-oms
// common/broker.go) generalized into the spec's richer policy shape.
func DefaultConfig() Config {
	return Config{
		Policy:            PolicyExponentialWithJitter,
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// IsRetryable implements spec.md §4.1 is_retryable(err).
func (c Config) IsRetryable(err *errs.ClassifiedError) bool {
	if err == nil {
		return false
	}
	if len(c.RetryableErrorTags) == 0 {
		return errs.IsRetryableTag(err.Tag)
	}
	for _, t := range c.RetryableErrorTags {
		if t == err.Tag {
			return err.Retryable
		}
	}
	return false
}

// CanRetry implements spec.md §4.1 can_retry(attempt): attempt <= max_attempts.
func (c Config) CanRetry(attempt int) bool {
	return attempt <= c.MaxAttempts
}

// DelayFor implements spec.md §4.1 delay_for(attempt). attempt is 1-based:
// it is the number of failures so far, and the returned delay precedes the
// *next* try. attempt <= 0 is treated as 1 (returns initial_delay_ms).
func (c Config) DelayFor(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	var d time.Duration
	switch c.Policy {
	case PolicyNone:
		return 0
	case PolicyFixed:
		d = c.InitialDelay
	case PolicyLinear:
		d = delayLinear(c.InitialDelay, attempt)
	case PolicyExponential:
		d = delayExponential(c.InitialDelay, c.BackoffMultiplier, attempt)
	case PolicyExponentialWithJitter:
		base := delayExponential(c.InitialDelay, c.BackoffMultiplier, attempt)
		d = applyJitter(base, c.JitterFactor)
	default:
		d = c.InitialDelay
	}

	if d < 0 {
		d = 0
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// delayLinear computes initial + (attempt-1) * initial/2, per spec.md §4.1.
func delayLinear(initial time.Duration, attempt int) time.Duration {
	step := float64(initial) / 2
	return initial + time.Duration(float64(attempt-1)*step)
}

// delayExponential computes initial * multiplier^(attempt-1). The shape
// (attempt-indexed multiplicative growth from an initial interval) mirrors
// backoff.ExponentialBackOff's internal recurrence, reimplemented here in
// closed form so the result is exact and side-effect-free for a given
// attempt rather than dependent on the generator's internal state.
func delayExponential(initial time.Duration, multiplier float64, attempt int) time.Duration {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	factor := math.Pow(multiplier, float64(attempt-1))
	return time.Duration(float64(initial) * factor)
}

// applyJitter adds uniform noise in [-jitter*base, +jitter*base], floored
// at zero, per spec.md §4.1.
func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	span := float64(base) * jitter
	offset := (rand.Float64()*2 - 1) * span
	d := time.Duration(float64(base) + offset)
	if d < 0 {
		return 0
	}
	return d
}

// NewBackOff adapts a Config into a backoff.BackOff for callers that want
// to drive a cenkalti/backoff retry loop directly instead of calling
// DelayFor per attempt. Nothing else in this module calls it.
func NewBackOff(c Config) backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.InitialDelay),
		backoff.WithMultiplier(c.BackoffMultiplier),
		backoff.WithMaxInterval(c.MaxDelay),
	)
}
