package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestBackoff_Monotonic tests that delays never shrink as attempts grow,
// whatever the jitter draws
func TestBackoff_Monotonic(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 30*time.Second)

	for trial := 0; trial < 200; trial++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 20; attempt++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			assert.LessOrEqual(t, d, b.MaxDelay)
			prev = d
		}
	}
}

func TestBackoff_Bounds(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second)

	first := b.Delay(1)
	assert.GreaterOrEqual(t, first, time.Second)
	assert.LessOrEqual(t, first, 1300*time.Millisecond)

	assert.Equal(t, 10*time.Second, b.Delay(50), "capped delay")
	assert.GreaterOrEqual(t, b.Delay(0), time.Second, "attempts below 1 count as the first")
}

// TestBackoff_JitterClamped tests that a jitter larger than the growth
// factor cannot break monotonicity
func TestBackoff_JitterClamped(t *testing.T) {
	b := &Backoff{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Hour, Multiplier: 1.5, JitterFactor: 2}

	for trial := 0; trial < 200; trial++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 15; attempt++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev)
			prev = d
		}
	}
}
