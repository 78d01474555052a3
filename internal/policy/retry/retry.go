// Package retry decides whether a failed attempt is retried and how long the
// item waits before it is eligible again.
package retry

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/bmie/internal/job"
)

// Strategy names a delay strategy selectable from configuration.
type Strategy string

// Supported strategies.
const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// Policy is a pure retry decision. Implementations must be safe for
// concurrent use.
type Policy interface {
	// ShouldRetry reports whether the item gets another attempt after
	// attempt (1-based) failed with err.
	ShouldRetry(attempt int, err error) bool
	// Delay is the wait before attempt+1 may be scheduled.
	Delay(attempt int) time.Duration
}

// FixedPolicy retries transient failures up to a budget with a constant delay.
type FixedPolicy struct {
	maxRetries int
	delay      time.Duration
}

// NewFixed builds the default policy.
func NewFixed(maxRetries int, delay time.Duration) *FixedPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if delay < 0 {
		delay = 0
	}
	return &FixedPolicy{maxRetries: maxRetries, delay: delay}
}

// ShouldRetry is true while attempt <= maxRetries and err is transient.
func (p *FixedPolicy) ShouldRetry(attempt int, err error) bool {
	return retryable(attempt, p.maxRetries, err)
}

// Delay returns the configured delay regardless of attempt.
func (p *FixedPolicy) Delay(int) time.Duration {
	return p.delay
}

// ExponentialPolicy doubles the delay per attempt with jitter, capped at
// maxDelay. It is only used when configured explicitly.
type ExponentialPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponential builds a jittered exponential policy.
func NewExponential(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// ShouldRetry applies the same budget and classification as FixedPolicy.
func (p *ExponentialPolicy) ShouldRetry(attempt int, err error) bool {
	return retryable(attempt, p.maxRetries, err)
}

// Delay returns a value in [d/2, d) where d = base * 2^(attempt-1), capped.
func (p *ExponentialPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

// New selects a policy by strategy name.
func New(strategy Strategy, maxRetries int, delay, maxDelay time.Duration) (Policy, error) {
	switch strategy {
	case "", StrategyFixed:
		return NewFixed(maxRetries, delay), nil
	case StrategyExponential:
		return NewExponential(maxRetries, delay, maxDelay), nil
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", strategy)
	}
}

func retryable(attempt, maxRetries int, err error) bool {
	if err == nil || attempt < 1 {
		return false
	}
	if attempt > maxRetries {
		return false
	}
	return job.KindOf(err) == job.KindTransient
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
