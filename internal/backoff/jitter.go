package backoff

import (
	"math/rand"
	"time"
)

// JitterType selects how a computed interval is randomised before use.
type JitterType int

const (
	// NoJitter returns the interval unchanged.
	NoJitter JitterType = iota
	// FullJitter returns a value uniformly distributed in [0, interval].
	FullJitter
	// Jitter returns a value uniformly distributed in [0.5*interval, 1.5*interval].
	Jitter
)

// NewJitterFunc returns a function that applies the given jitter strategy to a duration.
func NewJitterFunc(jt JitterType) func(time.Duration) time.Duration {
	switch jt {
	case FullJitter:
		return func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d) + 1))
		}
	case Jitter:
		return func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			half := float64(d) * 0.5
			return d - time.Duration(half) + time.Duration(rand.Int63n(int64(half*2)+1))
		}
	default:
		return func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return d
		}
	}
}

// WithJitter wraps a RetryPolicy so that every computed interval is randomised
// by the given jitter strategy. Errors from the underlying policy (e.g.
// ErrRetriesExhausted) pass through unmodified.
func WithJitter(base RetryPolicy, jt JitterType) RetryPolicy {
	return &jitterPolicy{base: base, jitterFunc: NewJitterFunc(jt)}
}

type jitterPolicy struct {
	base       RetryPolicy
	jitterFunc func(time.Duration) time.Duration
}

func (p *jitterPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.base.ComputeNextInterval(retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}
	return p.jitterFunc(interval), nil
}
