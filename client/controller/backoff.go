package controller

import "time"

const (
	DefaultInitialBackoff = 10 * time.Second
	DefaultMaxBackoff     = 300 * time.Second
	DefaultBackoffFactor  = 1.5
)

// Backoff yields the reconnect delays: Initial first, then each delay is the
// previous one times Factor, never more than Max. Reset starts over.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64

	current time.Duration
}

func NewBackoff() Backoff {
	return Backoff{
		Initial: DefaultInitialBackoff,
		Max:     DefaultMaxBackoff,
		Factor:  DefaultBackoffFactor,
	}
}

func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	} else {
		b.current = time.Duration(float64(b.current) * b.Factor)
	}
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

func (b *Backoff) Reset() {
	b.current = 0
}
