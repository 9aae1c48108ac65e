package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Type selects the delay curve.
type Type int

const (
	// None retries immediately.
	None Type = iota
	// Fixed waits Base between attempts.
	Fixed
	// Exp doubles (by Factor) the delay each attempt, capped at Cap.
	Exp
	// ExpJitter is Exp with the delay drawn uniformly from [0, delay).
	ExpJitter
)

// Policy parameterizes a bounded retry loop.
type Policy struct {
	Type        Type
	Base        time.Duration
	Cap         time.Duration
	Factor      float64
	MaxAttempts int
}

// Default is the policy used where a caller does not configure one.
func Default() Policy {
	return Policy{Type: ExpJitter, Base: 200 * time.Millisecond, Cap: 30 * time.Second, Factor: 2.0, MaxAttempts: 5}
}

// Delay returns the wait before the given attempt. Attempts are 1-based: the
// delay is applied after attempt n fails and before attempt n+1 runs.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Type {
	case None:
		return 0
	case Fixed:
		if p.Base <= 0 {
			return 0
		}
		if p.Cap > 0 && p.Base > p.Cap {
			return p.Cap
		}
		return p.Base
	case Exp, ExpJitter:
		base := p.Base
		if base <= 0 {
			base = 200 * time.Millisecond
		}
		factor := p.Factor
		if factor <= 0 {
			factor = 2.0
		}
		d := time.Duration(float64(base) * powf(factor, attempt-1))
		if p.Cap > 0 && d > p.Cap {
			d = p.Cap
		}
		if p.Type == ExpJitter && d > 0 {
			d = time.Duration(rand.Int63n(int64(d)))
		}
		return d
	default:
		return 0
	}
}

// Retry runs fn up to MaxAttempts times, sleeping Delay(n) between failures.
// It stops early when fn succeeds, when fn reports the error is permanent, or
// when ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func(attempt int) (permanent bool, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		permanent, err := fn(attempt)
		if err == nil {
			return nil
		}
		last = err
		if permanent || attempt == attempts {
			return last
		}
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return last
}

func powf(a float64, n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= a
	}
	return result
}
