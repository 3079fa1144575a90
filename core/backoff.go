package core

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// pollBackoff spaces out polls while queues are empty or the store errors.
type pollBackoff struct {
	b *backoff.ExponentialBackOff
}

func newPollBackoff(initial, max time.Duration, jitter float64) *pollBackoff {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = jitter
	b.Multiplier = 2
	b.Reset()
	return &pollBackoff{b: b}
}

// Next returns the wait before the next poll.
func (p *pollBackoff) Next() time.Duration {
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return p.b.MaxInterval
	}
	return d
}

// Reset starts over from the initial interval after work was found.
func (p *pollBackoff) Reset() {
	p.b.Reset()
}
