package dispatcher

import (
	"math/rand"
	"time"
)

// ErrorThrottler implements spec §4.2's backoff: exponential starting at 1s,
// doubling up to a 30s cap, with full jitter (the delay is drawn uniformly
// from [0, current], not teacher's connection.Manager ±20% perturbation — spec
// §4.2 asks for full jitter specifically). Reset on any successful message.
type ErrorThrottler struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	current time.Duration
}

// NewErrorThrottler builds a throttler with the spec's fixed parameters:
// 1s initial, 30s cap, doubling factor.
func NewErrorThrottler() *ErrorThrottler {
	return &ErrorThrottler{
		initial: time.Second,
		max:     30 * time.Second,
		factor:  2.0,
		current: time.Second,
	}
}

// Next returns the next backoff delay (full jitter over [0, current]) and
// advances current toward max.
func (t *ErrorThrottler) Next() time.Duration {
	delay := time.Duration(rand.Int63n(int64(t.current) + 1))
	next := time.Duration(float64(t.current) * t.factor)
	if next > t.max {
		next = t.max
	}
	t.current = next
	return delay
}

// Reset restores the throttler to its initial delay. Called on any
// successful message (spec §4.2).
func (t *ErrorThrottler) Reset() {
	t.current = t.initial
}
