package transport

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth up to a cap, with
// jitter so a fleet of controllers does not stampede the broker. Not safe
// for concurrent use; the connection loop owns it.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay, e.g. 0.25

	current time.Duration
}

// NewBackoff returns a Backoff with the delay schedule the vendor backend
// tolerates well: 1s doubling up to 60s, 25% jitter.
func NewBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.InitialDelay
	}

	jitter := b.current.Seconds() * b.Jitter * (rand.Float64()*2 - 1)
	delay := b.current + time.Duration(jitter*float64(time.Second))
	if delay < 0 {
		delay = 0
	}

	b.current = time.Duration(float64(b.current) * b.Multiplier)
	if b.current > b.MaxDelay {
		b.current = b.MaxDelay
	}
	return delay
}

// Reset drops the schedule back to the initial delay. Called once a session
// has stayed healthy long enough, not on mere connect: a broker that accepts
// connections and immediately drops them must not see retries at the initial
// rate.
func (b *Backoff) Reset() {
	b.current = 0
}
