package scheduler

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Initial    time.Duration // first delay (default: 5s)
	Max        time.Duration // delay cap (default: 5m)
	Multiplier float64       // growth per attempt (default: 2.0)
	Jitter     float64       // 0-1 fraction of the delay (default: 0.1)

	attempt int
	mu      sync.Mutex
}

// NewBackoff creates a Backoff with defaults suited to background jobs.
func NewBackoff() *Backoff {
	return &Backoff{
		Initial:    5 * time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Next returns the next delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(b.attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		jitterRange := delay * b.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = float64(b.Initial)
	}

	b.attempt++
	return time.Duration(delay)
}

// Reset resets the attempt counter.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
