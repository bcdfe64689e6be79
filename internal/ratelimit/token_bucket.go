// Package ratelimit provides the inbound signaling message rate limit
// applied per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so buckets are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is represented as 1e9 nano-tokens, so a fill rate of X
// tokens/sec adds X nano-tokens per elapsed nanosecond. Fixed point
// avoids float rounding drift under sustained load.
const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket refilling at an integer
// rate (tokens/sec) against a provided Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityTokens int64
	fillRate       int64 // tokens/sec

	availableNanoTokens int64
	last                time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:               clock,
		capacityTokens:      capacityTokens,
		fillRate:            fillRate,
		availableNanoTokens: tokensToNano(capacityTokens),
		last:                clock.Now(),
	}
}

// Allow consumes the given number of tokens if available. tokens <= 0
// always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.availableNanoTokens < cost {
		return false
	}
	b.availableNanoTokens -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; don't refill, just move the reference point.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacityTokens <= 0 {
		return
	}

	capacityNano := tokensToNano(b.capacityTokens)
	need := capacityNano - b.availableNanoTokens
	if need <= 0 {
		b.availableNanoTokens = capacityNano
		return
	}

	// fillRate tokens/sec equals nano-tokens/ns in this representation.
	// Clamp to capacity before multiplying to avoid overflow on long idle
	// periods.
	if maxElapsedToFill := need / b.fillRate; maxElapsedToFill <= 0 || elapsed.Nanoseconds() >= maxElapsedToFill {
		b.availableNanoTokens = capacityNano
		return
	}
	b.availableNanoTokens += elapsed.Nanoseconds() * b.fillRate
	if b.availableNanoTokens > capacityNano {
		b.availableNanoTokens = capacityNano
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
