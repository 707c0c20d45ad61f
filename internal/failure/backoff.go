package failure

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes full-jitter retry delays.
type BackoffPolicy struct {
	Initial       time.Duration
	Multiplier    float64
	Max           time.Duration
	RetryAfterCap time.Duration
	// rng allows deterministic tests; nil uses the global source.
	rng *rand.Rand
}

// DefaultBackoff matches the documented policy: 1s initial, 2x multiplier,
// 60s ceiling, Retry-After capped at 5 minutes.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:       time.Second,
		Multiplier:    2.0,
		Max:           60 * time.Second,
		RetryAfterCap: 5 * time.Minute,
	}
}

// WithRand returns a copy using the given source.
func (p BackoffPolicy) WithRand(rng *rand.Rand) BackoffPolicy {
	p.rng = rng
	return p
}

// Ceiling is the un-jittered upper bound for the attempt (1-based).
func (p BackoffPolicy) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if exp > float64(p.Max) || exp < 0 {
		return p.Max
	}
	return time.Duration(exp)
}

// Delay draws a full-jitter delay in [0, Ceiling(attempt)], raises it to any
// upstream Retry-After, and caps the Retry-After contribution.
func (p BackoffPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	ceiling := p.Ceiling(attempt)
	var delay time.Duration
	if ceiling > 0 {
		if p.rng != nil {
			delay = time.Duration(p.rng.Int63n(int64(ceiling) + 1))
		} else {
			delay = time.Duration(rand.Int63n(int64(ceiling) + 1))
		}
	}
	if retryAfter > 0 {
		if retryAfter > p.RetryAfterCap {
			retryAfter = p.RetryAfterCap
		}
		if retryAfter > delay {
			delay = retryAfter
		}
	}
	return delay
}
