package sdk

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is a shared backoff primitive used by the three retry policies in
// this agent (transport retry, rate-limited status polling and job redefinition
// pacing). The policies themselves stay separate since their triggers and
// recovery actions differ.
type Backoff struct {
	// Base is the delay for the first attempt and the lower bound for every delay
	Base time.Duration
	// Multiplier grows the delay per consecutive attempt
	Multiplier float64
	// Cap is the upper bound for the exponential portion of the delay
	Cap time.Duration
	// Jitter is the maximum random duration added on top of the delay
	Jitter time.Duration
}

// DefaultBackoff is a reasonable transport-level retry policy
var DefaultBackoff = Backoff{
	Base:       time.Second,
	Multiplier: 2,
	Cap:        time.Minute,
	Jitter:     500 * time.Millisecond,
}

// Delay returns the blocking delay for the given zero-based attempt. The
// exponential portion is non-decreasing up to Cap and jitter is strictly
// additive so the result never drops below Base.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
	if d < base {
		// overflow from a large attempt count
		d = b.Cap
		if d < base {
			d = base
		}
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return d
}
