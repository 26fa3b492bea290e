// Package schedule decides when stage attempts are retried and when runs expire.
package schedule

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const (
	defaultMaxAttempts = 3
	defaultMultiplier  = 2.0
	defaultMaxBackoff  = 5 * time.Minute
)

// DefaultRetryPolicy returns the default retry configuration.
func DefaultRetryPolicy() types.RetryPolicy {
	return types.RetryPolicy{
		MaxAttempts:       defaultMaxAttempts,
		BackoffSeconds:    5,
		BackoffMultiplier: defaultMultiplier,
		MaxBackoffSeconds: defaultMaxBackoff.Seconds(),
		Jitter:            0.2,
		RetryableFailures: []types.FailureCategory{
			types.FailureTransient,
			types.FailureTimeout,
		},
	}
}

// Policy is the resolved retry policy applied to every stage attempt.
// MaxAttempts counts the first attempt, so MaxAttempts=3 allows two retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
	Retryable   []types.FailureCategory

	random func() float64
}

// Decision is the outcome of consulting the policy after an attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// NewPolicy resolves a configured retry policy, filling in defaults.
func NewPolicy(cfg types.RetryPolicy) Policy {
	p := Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BackoffSeconds * float64(time.Second)),
		MaxDelay:    time.Duration(cfg.MaxBackoffSeconds * float64(time.Second)),
		Multiplier:  cfg.BackoffMultiplier,
		Jitter:      cfg.Jitter,
		Retryable:   cfg.RetryableFailures,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxBackoff
	}
	return p
}

// CalculateBackoff returns the un-jittered wait before the attempt that follows
// the given one: base * multiplier^(attempt-1), capped at MaxDelay.
func CalculateBackoff(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = defaultMultiplier
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}
	backoff := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if backoff > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(backoff)
}

// Delay returns the jittered backoff for the given attempt. The jitter spreads the
// delay uniformly over [d*(1-j), d*(1+j)] and the result never exceeds MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := CalculateBackoff(p, attempt)
	j := p.Jitter
	if j <= 0 || d <= 0 {
		return d
	}
	if j > 1 {
		j = 1
	}
	rnd := p.random
	if rnd == nil {
		rnd = rand.Float64
	}
	jittered := time.Duration(float64(d) * (1 - j + 2*j*rnd()))
	if p.MaxDelay > 0 && jittered > p.MaxDelay {
		jittered = p.MaxDelay
	}
	return jittered
}

// IsRetryable returns whether a failure category should be retried.
func IsRetryable(p Policy, category types.FailureCategory) bool {
	if category == types.FailurePermanent || category == types.FailureStructural {
		return false
	}
	if len(p.Retryable) == 0 {
		return category == types.FailureTransient || category == types.FailureTimeout
	}
	for _, fc := range p.Retryable {
		if fc == category {
			return true
		}
	}
	return false
}

// Decide returns whether the stage should be attempted again after the given
// attempt ended with outcome, and how long to wait first.
func (p Policy) Decide(attempt int, outcome types.Outcome) Decision {
	if outcome.Succeeded() {
		return Decision{Reason: "succeeded"}
	}
	category := outcome.Category()
	if !IsRetryable(p, category) {
		return Decision{Reason: "non-retryable failure: " + string(category)}
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if attempt >= maxAttempts {
		return Decision{Reason: "max attempts reached"}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt), Reason: "retryable failure: " + string(category)}
}
