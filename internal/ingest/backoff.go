package ingest

import (
	"math/rand"
	"time"
)

// Backoff computes exponential delays with full jitter, bounded by a
// ceiling. The zero value is unusable; use NewBackoff.
type Backoff struct {
	base    time.Duration
	ceiling time.Duration
	attempt int
}

// NewBackoff creates a backoff starting at base and capped at ceiling.
func NewBackoff(base, ceiling time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	return &Backoff{base: base, ceiling: ceiling}
}

// Next returns the delay for the current attempt and advances the
// counter. Full jitter: uniform in [0, min(ceiling, base*2^attempt)).
func (b *Backoff) Next() time.Duration {
	max := b.base << uint(b.attempt)
	if max > b.ceiling || max <= 0 {
		max = b.ceiling
	}
	if b.attempt < 30 {
		b.attempt++
	}
	return time.Duration(rand.Int63n(int64(max)) + 1)
}

// Reset clears the attempt counter after a healthy connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
