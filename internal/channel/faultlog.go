package channel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/policer"
)

// faultRatePerMinute bounds how often the same distinct cause is allowed
// to produce a log line (spec §1: "at most one fault log line per distinct
// cause per minute").
const faultRatePerMinute = 1.0 / 60.0

// faultLimiter rate-limits fault log lines per distinct cause, built on the
// same token-bucket primitive the error-repair policer uses (spec §1).
type faultLimiter struct {
	mu      sync.Mutex
	buckets map[string]*policer.TokenBucket
}

func newFaultLimiter() *faultLimiter {
	return &faultLimiter{buckets: make(map[string]*policer.TokenBucket)}
}

// allow reports whether cause may log right now, creating its bucket
// (already full, per the token bucket's "start warm" convention) on first
// use so the first occurrence of any cause always logs.
func (f *faultLimiter) allow(cause string, now time.Time) bool {
	f.mu.Lock()
	b, ok := f.buckets[cause]
	if !ok {
		b = policer.NewTokenBucket(faultRatePerMinute, 1, now)
		f.buckets[cause] = b
	}
	f.mu.Unlock()
	return b.Drain(now, 1)
}

// logFault emits a slog.Error line for cause, unless faultLimiter has
// already let one through for the same cause within the last minute.
func (c *Channel) logFault(cause string, err error) {
	if c.logger == nil || c.faults == nil {
		return
	}
	if !c.faults.allow(cause, time.Now()) {
		return
	}
	c.logger.Error("channel fault", "channel_id", c.id, "cause", cause, "err", err)
}
