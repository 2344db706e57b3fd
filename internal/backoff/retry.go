package backoff

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// The interval math below follows the shape of Temporal's retry policy
// (https://github.com/temporalio/temporal/blob/2a1044994085bffbeeee789cad52ecf2650c501c/common/backoff/retrypolicy.go,
// MIT licensed): constant/exponential/linear policies computing a next
// interval from a retry count, wrapped in a Retrier that turns repeated
// "wait, then try again" calls into one blocking Next.

var (
	// ErrRetriesExhausted is returned once a policy's own MaxRetries cap
	// (not the caller's retry budget) is reached.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrOperationCanceled is returned when Next's context is canceled
	// before the computed interval elapses.
	ErrOperationCanceled = errors.New("operation canceled")
)

// RetryPolicy computes the delay before the next retry attempt, or
// reports that no further retries should happen.
type RetryPolicy interface {
	// ComputeNextInterval returns the duration to wait before retrying,
	// or an error if retryCount has exhausted the policy's own budget.
	ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error)
}

// Retrier drives repeated waits against a RetryPolicy, tracking retry
// count and elapsed time across calls so the caller doesn't have to.
type Retrier interface {
	// Next blocks until the policy's computed interval elapses or ctx is
	// canceled, then returns. A non-nil error means stop retrying.
	Next(ctx context.Context, err error) error
	// Reset returns the retrier to its initial (zero retries, zero
	// elapsed) state, for reuse across unrelated retry sequences.
	Reset()
}

// Strategy names a selectable backoff shape. A RetryPolicy knob that
// exposes only a single interval (as executor.RetryPolicy.BackoffS does)
// can still pick among constant/exponential/linear spacing via this
// field, rather than hardcoding one shape for every node.
type Strategy string

const (
	// StrategyConstant retries at a fixed interval every time.
	StrategyConstant Strategy = "constant"
	// StrategyExponential doubles the interval each retry, capped at
	// defaultMaxInterval.
	StrategyExponential Strategy = "exponential"
	// StrategyLinear adds a fixed increment (equal to base) each retry,
	// capped at defaultMaxInterval.
	StrategyLinear Strategy = "linear"
)

const (
	noMaximumAttempts    = 0
	defaultBackoffFactor = 2.0
	defaultMaxInterval   = 10 * time.Second
)

// NewPolicy builds the RetryPolicy named by strategy, seeded from a
// single base interval. An empty or unrecognised strategy falls back to
// StrategyConstant, since a flat jittered delay is the safe default for
// a node whose failure mode is unknown.
func NewPolicy(strategy Strategy, base time.Duration) RetryPolicy {
	switch strategy {
	case StrategyExponential:
		return NewExponentialBackoffPolicy(base)
	case StrategyLinear:
		return NewLinearBackoffPolicy(base, base)
	default:
		return NewConstantBackoffPolicy(base)
	}
}

// ExponentialBackoffPolicy doubles (by BackoffFactor) the wait interval
// on each retry, up to MaxInterval.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration `json:"initialInterval,omitempty"`
	BackoffFactor   float64       `json:"backoffFactor,omitempty"`
	MaxInterval     time.Duration `json:"maxInterval,omitempty"`
	// MaxRetries caps attempts at the policy level; 0 means unlimited.
	MaxRetries int `json:"maxRetries,omitempty"`
}

// NewExponentialBackoffPolicy returns an ExponentialBackoffPolicy with
// the package's default factor, cap, and unlimited retries.
func NewExponentialBackoffPolicy(initialInterval time.Duration) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialInterval: initialInterval,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     defaultMaxInterval,
		MaxRetries:      noMaximumAttempts,
	}
}

func (p *ExponentialBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}

	interval := float64(p.InitialInterval) * math.Pow(p.BackoffFactor, float64(retryCount))
	if interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}
	return time.Duration(interval), nil
}

// ConstantBackoffPolicy waits the same Interval before every retry.
type ConstantBackoffPolicy struct {
	Interval   time.Duration `json:"interval,omitempty"`
	MaxRetries int           `json:"maxRetries,omitempty"`
}

// NewConstantBackoffPolicy returns a ConstantBackoffPolicy with
// unlimited retries.
func NewConstantBackoffPolicy(interval time.Duration) *ConstantBackoffPolicy {
	return &ConstantBackoffPolicy{
		Interval:   interval,
		MaxRetries: noMaximumAttempts,
	}
}

func (p *ConstantBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return p.Interval, nil
}

// LinearBackoffPolicy adds Increment to the interval on each retry, up
// to MaxInterval.
type LinearBackoffPolicy struct {
	InitialInterval time.Duration `json:"initialInterval,omitempty"`
	Increment       time.Duration `json:"increment,omitempty"`
	MaxInterval     time.Duration `json:"maxInterval,omitempty"`
	MaxRetries      int           `json:"maxRetries,omitempty"`
}

// NewLinearBackoffPolicy returns a LinearBackoffPolicy with the
// package's default cap and unlimited retries.
func NewLinearBackoffPolicy(initialInterval, increment time.Duration) *LinearBackoffPolicy {
	return &LinearBackoffPolicy{
		InitialInterval: initialInterval,
		Increment:       increment,
		MaxInterval:     defaultMaxInterval,
		MaxRetries:      noMaximumAttempts,
	}
}

func (p *LinearBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}

	interval := p.InitialInterval + time.Duration(retryCount)*p.Increment
	if interval > p.MaxInterval {
		interval = p.MaxInterval
	}
	return interval, nil
}

// NewRetrier wraps policy in a stateful Retrier that tracks retry count
// and elapsed time across successive Next calls.
func NewRetrier(policy RetryPolicy) Retrier {
	return &retrierImpl{policy: policy}
}

type retrierImpl struct {
	policy     RetryPolicy
	retryCount int
	startTime  time.Time
	mu         sync.Mutex
}

func (r *retrierImpl) Next(ctx context.Context, err error) error {
	r.mu.Lock()
	if r.startTime.IsZero() {
		r.startTime = time.Now()
	}
	elapsed := time.Since(r.startTime)

	interval, computeErr := r.policy.ComputeNextInterval(r.retryCount, elapsed, err)
	if computeErr != nil {
		r.mu.Unlock()
		return computeErr
	}
	r.retryCount++
	r.mu.Unlock()

	if interval <= 0 {
		return nil
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrOperationCanceled
	}
}

func (r *retrierImpl) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount = 0
	r.startTime = time.Time{}
}
