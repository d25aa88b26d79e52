package gateway

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Reconnect delay defaults.
const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
	DefaultJitter    = 0.5
)

// Backoff produces the delay sequence between connect attempts: Base doubled
// per attempt, scaled by a uniform factor in [1-Jitter, 1+Jitter], capped at
// Max. The sequence never decreases within one run.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu      sync.Mutex
	attempt int
	last    time.Duration
	rand    func() float64 // uniform in [0, 1)
}

// NewBackoff returns a Backoff with the given parameters. Non-positive delays
// fall back to the defaults, as does a jitter outside [0, 1].
func NewBackoff(base, maxDelay time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if jitter < 0 || jitter > 1 {
		jitter = DefaultJitter
	}
	return &Backoff{Base: base, Max: maxDelay, Jitter: jitter}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	nominal := float64(b.Base) * math.Pow(2, float64(b.attempt))
	b.attempt++
	if ceiling := 2 * float64(b.Max); nominal > ceiling {
		nominal = ceiling
	}

	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	d := time.Duration(nominal * (1 + b.Jitter*(2*r()-1)))
	if d < b.last {
		d = b.last
	}
	if d > b.Max {
		d = b.Max
	}
	b.last = d
	return d
}

// Reset starts a fresh sequence.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.last = 0
	b.mu.Unlock()
}

// Attempts returns how many delays have been drawn since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
