package connector

import (
	"math/rand"
	"time"
)

// RetryPolicy computes reconnect delays: exponential doubling from Initial
// up to Max, with a jitter fraction applied to avoid synchronized
// reconnection storms across a fleet. Pure with respect to time so backoff
// growth can be tested deterministically.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	JitterFrac float64
}

// DefaultRetryPolicy matches the daemon's expectations: 1s doubling to a
// 60s ceiling with ±25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:    time.Second,
		Max:        60 * time.Second,
		JitterFrac: 0.25,
	}
}

// Backoff returns the base delay before the given attempt (0-based),
// without jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Jittered applies the jitter fraction to d using u, a uniform sample in
// [0, 1). The result lies in [d*(1-f), d*(1+f)].
func (p RetryPolicy) Jittered(d time.Duration, u float64) time.Duration {
	if p.JitterFrac <= 0 {
		return d
	}
	spread := 2*u - 1 // [-1, 1)
	return d + time.Duration(float64(d)*p.JitterFrac*spread)
}

// Delay returns the jittered delay before the given attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Jittered(p.Backoff(attempt), rand.Float64())
}
