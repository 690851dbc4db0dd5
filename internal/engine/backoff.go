package engine

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with a cap and jitter.
//
// Jitter is only ever added on top of the exponential base and the result is
// clamped to MaxDelay. With Multiplier >= 1+JitterFactor every delay is at
// least the previous one, so delays never shrink as attempts grow.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	jitter := b.JitterFactor
	if jitter < 0 {
		jitter = 0
	}
	if jitter > multiplier-1 {
		jitter = multiplier - 1
	}

	base := float64(b.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if base > float64(b.MaxDelay) {
		base = float64(b.MaxDelay)
	}

	delay := base
	if jitter > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += base * jitter * rand.Float64()
	}
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return time.Duration(delay)
}
