package events

import (
	"sync"
	"time"
)

// rateLimiter is a per-endpoint token bucket. Buckets refill one token per
// period elapsed, capped at the burst size.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	burst   int
	period  time.Duration
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

func newRateLimiter(burst int, period time.Duration) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		burst:   burst,
		period:  period,
	}
}

// Allow consumes one token for the endpoint if available
func (rl *rateLimiter) Allow(endpointID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[endpointID]
	if !ok {
		b = &bucket{tokens: rl.burst, lastRefill: time.Now()}
		rl.buckets[endpointID] = b
	}

	now := time.Now()
	if elapsed := now.Sub(b.lastRefill); elapsed >= rl.period {
		refill := int(elapsed / rl.period)
		b.tokens += refill
		if b.tokens > rl.burst {
			b.tokens = rl.burst
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(refill) * rl.period)
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Reset clears the bucket for an endpoint
func (rl *rateLimiter) Reset(endpointID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, endpointID)
}
