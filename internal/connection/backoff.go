package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff yields reconnection delays: exponential from base, doubling, with
// up to jitter*delay added, never above max and never shorter than the
// previous delay.
type Backoff struct {
	exp    *backoff.ExponentialBackOff
	max    time.Duration
	jitter float64
	rand   func() float64
	last   time.Duration
}

// NewBackoff creates a Backoff. rand must return values in [0, 1).
func NewBackoff(base, maxDelay time.Duration, jitter float64, rand func() float64) *Backoff {
	if maxDelay < base {
		maxDelay = base
	}
	if jitter < 0 {
		jitter = 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Backoff{exp: exp, max: maxDelay, jitter: jitter, rand: rand}
}

// Next returns the next delay.
func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if b.jitter > 0 && b.rand != nil {
		d += time.Duration(float64(d) * b.jitter * b.rand())
	}
	if d > b.max {
		d = b.max
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Reset restarts the sequence from the base delay.
func (b *Backoff) Reset() {
	b.exp.Reset()
	b.last = 0
}
