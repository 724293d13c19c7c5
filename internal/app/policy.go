package app

import "time"

// Backoff is the reconnect policy of one endpoint. Counters are per endpoint;
// a Backoff must not be shared.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Factor float64

	attempts int
	current  time.Duration
}

func NewBackoff(base, cap time.Duration, factor float64) *Backoff {
	return &Backoff{Base: base, Cap: cap, Factor: factor}
}

// Next returns the delay before the next attempt and advances the counter:
// base, base*factor, ... capped at Cap.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Base
	} else {
		b.current = time.Duration(float64(b.current) * b.Factor)
	}
	if b.current > b.Cap {
		b.current = b.Cap
	}
	b.attempts++
	return b.current
}

func (b *Backoff) Attempts() int { return b.attempts }

func (b *Backoff) Reset() {
	b.attempts = 0
	b.current = 0
}
