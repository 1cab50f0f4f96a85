// ratelimit.go paces REST calls under the venue's per-category request
// quotas. The venue meters order placement and cancellation separately,
// per rolling minute; pacing smooths each category's allowance into a
// continuous refill so a burst of reconciliation traffic never trips the
// hard limit.
package exchange

import (
	"context"
	"sync"
	"time"
)

// Venue quota: 600 placements and 1200 cancellations per rolling minute.
// Burst is capped well below the full minute allowance so a tight
// cancel-then-place loop cannot spend the whole quota in one spike.
const (
	orderPerSec  = 10
	orderBurst   = 40
	cancelPerSec = 20
	cancelBurst  = 80
)

// limiter is a continuously-refilling allowance for one REST category.
type limiter struct {
	mu     sync.Mutex
	avail  float64
	burst  float64
	perSec float64
	stamp  time.Time
}

func newLimiter(burst, perSec float64) *limiter {
	return &limiter{avail: burst, burst: burst, perSec: perSec, stamp: time.Now()}
}

// take refills from elapsed wall time and consumes one unit if available;
// otherwise it reports how long until the next unit accrues.
func (l *limiter) take() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.avail += now.Sub(l.stamp).Seconds() * l.perSec
	if l.avail > l.burst {
		l.avail = l.burst
	}
	l.stamp = now

	if l.avail >= 1 {
		l.avail--
		return true, 0
	}
	return false, time.Duration((1 - l.avail) / l.perSec * float64(time.Second))
}

// Wait blocks until a unit of this category's allowance is available or
// ctx is cancelled.
func (l *limiter) Wait(ctx context.Context) error {
	for {
		ok, wait := l.take()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter holds one limiter per metered REST category. Client calls
// the matching category's Wait before every HTTP request.
type RateLimiter struct {
	Order  *limiter // POST /orders
	Cancel *limiter // DELETE /orders
}

// NewRateLimiter builds limiters sized to the venue's published quotas.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  newLimiter(orderBurst, orderPerSec),
		Cancel: newLimiter(cancelBurst, cancelPerSec),
	}
}
