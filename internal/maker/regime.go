package maker

import (
	"time"

	"lighter-mm/internal/config"
	"lighter-mm/pkg/types"
)

// regimeTracker implements the aggressive/defensive regime switch:
// defensive is entered whenever any of {pnl-guard active, downtrend
// signal, downtrend cooldown active, ema_bps below the regime volatility
// threshold} holds, and aggressive only resumes once none of those hold
// AND the minimum dwell time in the current regime has elapsed. The
// low-vol trigger matches a quiet market with thin two-sided flow, where a
// tighter aggressive spread captures little extra edge but the same
// inventory risk — the mirror image of volatilityTracker's high-vol
// pause, not a typo. Built in the style of deriving a coarse state from
// several independent boolean inputs.
type regimeTracker struct {
	cfg config.RegimeConfig

	regime    types.Regime
	enteredAt time.Time
}

func newRegimeTracker(cfg config.RegimeConfig) *regimeTracker {
	return &regimeTracker{cfg: cfg, regime: types.RegimeAggressive}
}

// update computes the target regime from the current inputs and, respecting
// the minimum dwell time, advances the tracker's state. It returns the
// regime in effect for this tick.
func (r *regimeTracker) update(now time.Time, pnlGuardActive, trendDown, trendCooldown bool, emaBps float64) types.Regime {
	wantDefensive := pnlGuardActive || trendDown || trendCooldown ||
		(r.cfg.VolThresholdBps > 0 && emaBps < r.cfg.VolThresholdBps)

	target := types.RegimeAggressive
	if wantDefensive {
		target = types.RegimeDefensive
	}

	if r.enteredAt.IsZero() {
		r.enteredAt = now
	}

	if target == r.regime {
		return r.regime
	}

	// A regime flip to defensive is never delayed: the whole point of the
	// minimum dwell time is to prevent rapid aggressive<->defensive
	// flapping once defensive protection has kicked in, not to delay
	// entering it.
	if target == types.RegimeDefensive {
		r.regime = types.RegimeDefensive
		r.enteredAt = now
		return r.regime
	}

	if now.Sub(r.enteredAt) >= r.cfg.MinDwellSeconds {
		r.regime = types.RegimeAggressive
		r.enteredAt = now
	}
	return r.regime
}

// sizeMultiplier returns the regime-derived size multiplier for the current state.
func (r *regimeTracker) sizeMultiplier() float64 {
	if r.regime == types.RegimeDefensive {
		if r.cfg.DefensiveSizeMultiplier > 0 {
			return r.cfg.DefensiveSizeMultiplier
		}
		return 0.5
	}
	if r.cfg.AggressiveSizeMultiplier > 0 {
		return r.cfg.AggressiveSizeMultiplier
	}
	return 1.0
}

// extraSpreadBps returns the regime-derived additive spread overlay.
func (r *regimeTracker) extraSpreadBps() float64 {
	if r.regime == types.RegimeDefensive {
		return r.cfg.DefensiveExtraSpreadBps
	}
	return 0
}

// isDefensive reports whether the tracker is currently in the defensive
// regime, published each tick to StateStore's "regime_defensive" flag so
// Hedger can apply the regime's own override of down_cooldown_seconds.
func (r *regimeTracker) isDefensive() bool {
	return r.regime == types.RegimeDefensive
}
