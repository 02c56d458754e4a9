package siolink

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnection delays: Min doubled per attempt, moved up or
// down by a random share of at most Jitter, capped at Max.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64

	attempts int
	random   func() float64
}

func NewBackoff(min, max time.Duration, jitter float64) *Backoff {
	return &Backoff{Min: min, Max: max, Factor: 2, Jitter: jitter, random: rand.Float64}
}

// Duration returns the delay for the next attempt and counts it.
func (b *Backoff) Duration() time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	ms := float64(b.Min) / float64(time.Millisecond) * math.Pow(factor, float64(b.attempts))
	b.attempts++
	// Pow reaches +Inf after enough attempts, and Inf minus the jitter is NaN
	if math.IsInf(ms, 1) {
		ms = math.MaxFloat64
	}

	if b.Jitter > 0 {
		r := b.random()
		deviation := math.Floor(r * b.Jitter * ms)
		if int(math.Floor(r*10))&1 == 0 {
			ms -= deviation
		} else {
			ms += deviation
		}
	}

	maxMs := float64(b.Max) / float64(time.Millisecond)
	if ms > maxMs || math.IsNaN(ms) {
		ms = maxMs
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (b *Backoff) Attempts() int { return b.attempts }

func (b *Backoff) Reset() { b.attempts = 0 }
