package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_BackoffDoublesToCeiling(t *testing.T) {
	p := RetryPolicy{Initial: time.Second, Max: 60 * time.Second, JitterFrac: 0.25}

	assert.Equal(t, 1*time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 32*time.Second, p.Backoff(5))
	assert.Equal(t, 60*time.Second, p.Backoff(6))
	assert.Equal(t, 60*time.Second, p.Backoff(20))
}

func TestRetryPolicy_JitteredBounds(t *testing.T) {
	p := RetryPolicy{Initial: time.Second, Max: 60 * time.Second, JitterFrac: 0.25}

	base := 8 * time.Second
	assert.Equal(t, 6*time.Second, p.Jittered(base, 0))    // -25%
	assert.Equal(t, 8*time.Second, p.Jittered(base, 0.5))  // no shift
	assert.Equal(t, 10*time.Second, p.Jittered(base, 1.0)) // +25%
}

func TestRetryPolicy_NoJitter(t *testing.T) {
	p := RetryPolicy{Initial: time.Second, Max: time.Minute}

	assert.Equal(t, 4*time.Second, p.Jittered(4*time.Second, 0.99))
}

func TestRetryPolicy_DelayWithinBounds(t *testing.T) {
	p := DefaultRetryPolicy()

	for attempt := 0; attempt < 10; attempt++ {
		base := p.Backoff(attempt)
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, base-time.Duration(float64(base)*p.JitterFrac))
		assert.LessOrEqual(t, d, base+time.Duration(float64(base)*p.JitterFrac))
	}
}
