package client

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes bounded exponential retry delays independent of any
// transport. Attempt counting starts at 1 for the first retry.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the computed delay randomized in both
	// directions, keeping flapping networks from synchronized retry storms.
	Jitter float64
}

// DefaultBackoff keeps retries within a few seconds so a recovering network
// is picked up quickly without hammering it.
var DefaultBackoff = BackoffPolicy{
	Initial:    250 * time.Millisecond,
	Max:        8 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

// Delay returns the wait before the given retry attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 1 {
		return p.jittered(float64(initial))
	}
	max := p.Max
	if max <= 0 {
		max = 10 * time.Second
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	backoff := float64(initial) * math.Pow(mult, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return p.jittered(backoff)
}

func (p BackoffPolicy) jittered(backoff float64) time.Duration {
	if p.Jitter <= 0 {
		return time.Duration(backoff)
	}
	jitter := p.Jitter * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
