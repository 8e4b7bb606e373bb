// Package ratelimit provides the per-connection message budget for the
// signaling relay.
package ratelimit

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// One token is 1e9 nano-tokens, so a rate of X tokens/sec adds X nano-tokens
// per elapsed nanosecond and refill needs no floating point.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate of tokens per second.
type TokenBucket struct {
	clock clock.Clock

	mu        sync.Mutex
	capacity  int64 // nano-tokens
	rate      int64 // tokens/sec == nano-tokens/ns
	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens.
func NewTokenBucket(clk clock.Clock, capacity, perSecond int64) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	c := toNano(capacity)
	return &TokenBucket{
		clock:     clk,
		capacity:  c,
		rate:      max(perSecond, 0),
		available: c,
		last:      clk.Now(),
	}
}

// Allow consumes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.available >= b.capacity {
		return
	}
	// Clamp before multiplying so long idle periods cannot overflow.
	if need := b.capacity - b.available; elapsed >= need/b.rate {
		b.available = b.capacity
		return
	}
	b.available = min(b.available+elapsed*b.rate, b.capacity)
}

func toNano(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > maxInt64/nanoPerToken:
		return maxInt64
	default:
		return tokens * nanoPerToken
	}
}
