package browser

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: min(initial * 2^attempt, max), adjusted
// by symmetric jitter so several managers losing the same browser do not
// retry in lockstep.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	JitterFrac float64        // fraction of the delay used as +/- jitter range
	Rand       func() float64 // source in [0,1); nil uses math/rand
}

// DefaultBackoff matches the reconnect policy defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    1 * time.Second,
		Max:        10 * time.Second,
		JitterFrac: 0.2,
	}
}

// Delay returns the sleep before attempt k (zero-based). Jitter is applied
// symmetrically; a jittered delay may land below the unjittered minimum,
// which is accepted behavior rather than clamped away.
func (b Backoff) Delay(attempt int) time.Duration {
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt)))
	if d > b.Max || d <= 0 {
		d = b.Max
	}

	if b.JitterFrac > 0 {
		rnd := b.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		jitter := time.Duration((rnd()*2 - 1) * b.JitterFrac * float64(d))
		d += jitter
	}

	return d
}
