package token

import (
	"sync"
	"time"
)

// IssueLimiter implements per-caller sliding window rate limiting for
// token issuance attempts.
type IssueLimiter struct {
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
	attempts    map[string][]time.Time
	now         func() time.Time
}

// NewIssueLimiter creates a limiter allowing maxAttempts per window for
// each caller key.
func NewIssueLimiter(maxAttempts int, window time.Duration) *IssueLimiter {
	return &IssueLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Allow records an attempt for the caller and reports whether it is within
// the limit.
func (l *IssueLimiter) Allow(caller string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	valid := make([]time.Time, 0)
	for _, t := range l.attempts[caller] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.maxAttempts {
		l.attempts[caller] = valid
		return false
	}

	l.attempts[caller] = append(valid, now)
	return true
}

// RetryAfter returns how long until the caller's oldest attempt falls out
// of the window. Zero when the caller is not limited.
func (l *IssueLimiter) RetryAfter(caller string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.attempts[caller]
	if len(times) < l.maxAttempts {
		return 0
	}

	remaining := l.window - l.now().Sub(times[0])
	if remaining < 0 {
		return 0
	}
	return remaining
}
