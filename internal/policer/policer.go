// Package policer implements the error-repair token bucket and the gap
// reporter that turns dataplane loss reports into RFC-4585 Generic-NACK
// feedback (spec §4.5).
package policer

import (
	"sync"
	"time"
)

// TokenBucket is the standard rate/burst limiter described in spec §4.5:
// credit(now) = min(burst, tokens + rate*(now-last)); drain(n) succeeds
// iff tokens >= n. burst == 0 means "forbid all": credit always drains
// back to zero immediately.
type TokenBucket struct {
	mu sync.Mutex

	ratePerSec float64
	burst      float64
	tokens     float64
	last       time.Time
}

// NewTokenBucket creates a bucket already full (tokens = burst) so the
// first burst after startup isn't throttled by an empty bucket.
func NewTokenBucket(ratePerSec, burst float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		ratePerSec: ratePerSec,
		burst:      burst,
		tokens:     burst,
		last:       now,
	}
}

func (b *TokenBucket) credit(now time.Time) {
	if now.After(b.last) {
		elapsed := now.Sub(b.last).Seconds()
		b.tokens += b.ratePerSec * elapsed
	}
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.burst == 0 {
		// "forbid all" per spec §4.5.
		b.tokens = 0
	}
	b.last = now
}

// Drain credits the bucket to now and attempts to withdraw n tokens,
// reporting whether it succeeded.
func (b *TokenBucket) Drain(now time.Time, n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(now)
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Tokens returns the current token count after crediting to now, for CLI
// introspection (spec §6).
func (b *TokenBucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(now)
	return b.tokens
}

// Rate and Burst expose the bucket's static parameters for the CLI
// accessor surface (spec §6).
func (b *TokenBucket) Rate() float64  { return b.ratePerSec }
func (b *TokenBucket) Burst() float64 { return b.burst }
