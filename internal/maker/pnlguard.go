package maker

import (
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/internal/config"
)

// pnlGuard implements the realized-PnL floor overlay: when the externally
// observed realized PnL accumulator falls below a configured floor,
// quoting widens and shrinks for a fixed duration. The floor is parsed
// once from config at construction since StateStore accumulates realized
// PnL as decimal.Decimal and comparisons must stay in decimal, per this
// repo's money-is-never-float invariant.
//
// StateStore does not expose a per-market FIFO-realized figure directly, so
// this guard is driven off the RealizedQuote cash-flow accumulator recorded
// by AccountListener — the practical proxy available for "realized PnL
// falling below a floor" without adding a new StateStore accessor.
type pnlGuard struct {
	floor          decimal.Decimal
	hasFloor       bool
	extraSpreadBps float64
	sizeMult       float64
	duration       time.Duration

	active    bool
	expiresAt time.Time
}

func newPnLGuard(cfg config.PnLGuardConfig) *pnlGuard {
	g := &pnlGuard{
		extraSpreadBps: cfg.ExtraSpreadBps,
		sizeMult:       cfg.SizeMultiplier,
		duration:       cfg.DurationSeconds,
	}
	if cfg.RealizedFloor != "" {
		if f, err := decimal.NewFromString(cfg.RealizedFloor); err == nil {
			g.floor = f
			g.hasFloor = true
		}
	}
	if g.sizeMult <= 0 {
		g.sizeMult = 1.0
	}
	return g
}

// update evaluates realizedQuote (the cumulative realized cash-flow
// accumulator) against the floor and advances the guard's active window.
// Once triggered the guard stays active for `duration` regardless of
// whether realizedQuote recovers above the floor mid-window, then
// self-expires.
func (g *pnlGuard) update(now time.Time, realizedQuote decimal.Decimal) bool {
	if g.active && now.After(g.expiresAt) {
		g.active = false
	}
	if !g.active && g.hasFloor && realizedQuote.LessThan(g.floor) {
		g.active = true
		g.expiresAt = now.Add(g.duration)
	}
	return g.active
}

func (g *pnlGuard) overlay() (extraSpreadBps float64, sizeMultiplier float64) {
	if !g.active {
		return 0, 1.0
	}
	return g.extraSpreadBps, g.sizeMult
}
