package maker

import (
	"sync"
	"time"
)

// cancelBudget enforces a fixed 60-second rolling window cap on cancel
// operations: up to max cancels are allowed inside the window; once
// exhausted, further cancel attempts are refused until the window rolls
// over, at which point the counter resets to zero rather than decaying
// continuously.
//
// The exchange package's REST limiter refills continuously, which admits
// a cancel too early relative to this fixed-window semantic (an allowance
// refilling one unit per window/max would let a 6th cancel through ~12s
// after the 5th exhausts a 60s/5 budget, rather than after the full 60s),
// so this is a separate fixed-window counter rather than a reuse.
type cancelBudget struct {
	window time.Duration
	max    int

	mu         sync.Mutex
	windowFrom time.Time
	used       int
}

func newCancelBudget(window time.Duration, max int) *cancelBudget {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &cancelBudget{window: window, max: max}
}

// Allow reports whether a cancel may proceed now, consuming one unit of
// budget if so.
func (c *cancelBudget) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.windowFrom.IsZero() || now.Sub(c.windowFrom) >= c.window {
		c.windowFrom = now
		c.used = 0
	}

	if c.max > 0 && c.used >= c.max {
		return false
	}
	c.used++
	return true
}

// Remaining reports how many cancels are still available in the current
// window, for telemetry.
func (c *cancelBudget) Remaining(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.windowFrom.IsZero() || now.Sub(c.windowFrom) >= c.window {
		return c.max
	}
	remaining := c.max - c.used
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
