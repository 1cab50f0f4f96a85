package maker

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// volatilityTracker implements the per-market EMA of mid-price change in
// basis points. ema_bps, being a statistical gauge rather than a monetary
// quantity, is permitted to be float64 under this repo's money-is-never-
// float invariant.
type volatilityTracker struct {
	halflife time.Duration

	initialized bool
	emaBps      float64
	lastMid     decimal.Decimal
	lastTs      time.Time

	paused     bool
	pauseOnLow bool // true if the active pause was triggered by the low-vol condition, not high-vol
}

func newVolatilityTracker(halflifeSeconds float64) *volatilityTracker {
	hl := time.Duration(halflifeSeconds * float64(time.Second))
	if hl <= 0 {
		hl = 30 * time.Second
	}
	return &volatilityTracker{halflife: hl}
}

// update folds in a new mid observation and returns the updated EMA.
func (v *volatilityTracker) update(mid decimal.Decimal, now time.Time) float64 {
	if !v.initialized {
		v.initialized = true
		v.lastMid = mid
		v.lastTs = now
		return v.emaBps
	}

	if v.lastMid.IsZero() {
		v.lastMid = mid
		v.lastTs = now
		return v.emaBps
	}

	changeBps := mid.Sub(v.lastMid).Abs().Div(v.lastMid).Mul(decimal.NewFromInt(10000))
	changeBpsF, _ := changeBps.Float64()

	dt := now.Sub(v.lastTs).Seconds()
	if dt < 0 {
		dt = 0
	}
	alpha := 1 - math.Exp(-math.Ln2*dt/v.halflife.Seconds())

	v.emaBps += alpha * (changeBpsF - v.emaBps)
	v.lastMid = mid
	v.lastTs = now
	return v.emaBps
}

// applyPause evaluates the two documented pause conditions and updates the
// tracker's paused flag, returning its new value. inv and softCap let the
// high-vol resume condition also require inventory to have come back under
// the soft cap (scaled by resume_inventory_ratio).
func (v *volatilityTracker) applyPause(cfg volatilityConfig, inv, softCap decimal.Decimal) bool {
	switch {
	case !v.paused && cfg.PauseThresholdHigh > 0 && v.emaBps >= cfg.PauseThresholdHigh:
		v.paused = true
		v.pauseOnLow = false
	case !v.paused && cfg.PauseThresholdLow > 0 && v.emaBps > 0 && v.emaBps <= cfg.PauseThresholdLow:
		v.paused = true
		v.pauseOnLow = true
	case v.paused && !v.pauseOnLow:
		resumedHigh := v.emaBps <= cfg.ResumeThresholdHigh
		inventoryOK := true
		if cfg.ResumeInventoryRatio > 0 && softCap.IsPositive() {
			ratio := inv.Abs().Div(softCap)
			inventoryOK = ratio.LessThanOrEqual(decimal.NewFromFloat(cfg.ResumeInventoryRatio))
		}
		if resumedHigh && inventoryOK {
			v.paused = false
		}
	case v.paused && v.pauseOnLow:
		if v.emaBps >= cfg.ResumeThresholdLow {
			v.paused = false
		}
	}
	return v.paused
}

// volatilityConfig is the subset of config.VolatilityConfig the tracker
// needs, decoupled from the config package to keep this file testable in
// isolation.
type volatilityConfig struct {
	PauseThresholdHigh   float64
	ResumeThresholdHigh  float64
	ResumeInventoryRatio float64
	PauseThresholdLow    float64
	ResumeThresholdLow   float64
	VolLowBps            float64
	VolHighBps           float64
}
