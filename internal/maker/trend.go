package maker

import (
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/pkg/types"
)

// trendSample is one (timestamp, mid) observation in the bounded ring.
type trendSample struct {
	ts  time.Time
	mid decimal.Decimal
}

// trendConfig is the subset of config.TrendConfig the tracker needs.
type trendConfig struct {
	LookbackSeconds     time.Duration
	UpThresholdBps      float64
	DownThresholdBps    float64
	ResumeThresholdBps  float64
	DownBiasAskOnly     bool
	ExtraSpreadBps      float64
	DownCooldownSeconds time.Duration
}

// trendTracker maintains the bounded sample ring and the three-state trend
// machine, built on a rolling-window-with-eviction shape repurposed from
// fill-toxicity tracking to price-sample trend.
type trendTracker struct {
	cfg     trendConfig
	samples []trendSample

	state         types.TrendBias
	viaDown       bool // current non-neutral state was entered via the downtrend branch
	cooldownUntil time.Time
}

func newTrendTracker(cfg trendConfig) *trendTracker {
	return &trendTracker{cfg: cfg, state: types.BiasBoth}
}

// update appends the new sample, evicts stale ones, and advances the
// hysteresis state machine. Returns the current bias and the extra spread
// in bps that the trend overlay contributes.
func (tr *trendTracker) update(now time.Time, mid decimal.Decimal) (types.TrendBias, float64) {
	tr.samples = append(tr.samples, trendSample{ts: now, mid: mid})
	tr.evictStale(now)

	if len(tr.samples) == 0 {
		return tr.state, 0
	}

	oldest := tr.samples[0].mid
	if oldest.IsZero() {
		return tr.state, 0
	}
	deltaBps, _ := mid.Sub(oldest).Div(oldest).Mul(decimal.NewFromInt(10000)).Float64()

	switch tr.state {
	case types.BiasBoth:
		switch {
		case tr.cfg.UpThresholdBps > 0 && deltaBps >= tr.cfg.UpThresholdBps:
			tr.state = types.BiasAsk
			tr.viaDown = false
		case tr.cfg.DownThresholdBps > 0 && deltaBps <= -tr.cfg.DownThresholdBps:
			if tr.cfg.DownBiasAskOnly {
				tr.state = types.BiasAsk
			} else {
				tr.state = types.BiasBid
			}
			tr.viaDown = true
			if tr.cfg.DownCooldownSeconds > 0 {
				tr.cooldownUntil = now.Add(tr.cfg.DownCooldownSeconds)
			}
		}
	case types.BiasAsk:
		if deltaBps < tr.cfg.ResumeThresholdBps {
			tr.state = types.BiasBoth
			tr.viaDown = false
		}
	case types.BiasBid:
		if deltaBps > -tr.cfg.ResumeThresholdBps {
			tr.state = types.BiasBoth
			tr.viaDown = false
		}
	}

	extra := 0.0
	if tr.state != types.BiasBoth {
		extra = tr.cfg.ExtraSpreadBps
	}
	return tr.state, extra
}

func (tr *trendTracker) evictStale(now time.Time) {
	if tr.cfg.LookbackSeconds <= 0 || len(tr.samples) == 0 {
		return
	}
	cutoff := now.Add(-tr.cfg.LookbackSeconds)
	idx := 0
	for idx < len(tr.samples) && tr.samples[idx].ts.Before(cutoff) {
		idx++
	}
	// Always keep at least one sample so deltaBps has a reference point,
	// mirroring flow_tracker.go's "keep the earliest still-useful entry"
	// eviction shape rather than draining the ring to empty.
	if idx >= len(tr.samples) {
		idx = len(tr.samples) - 1
	}
	if idx > 0 {
		tr.samples = tr.samples[idx:]
	}
}

// signalDown reports whether the current non-neutral state was triggered by
// the downtrend branch, the "trend_signal=down" input to the regime switch.
func (tr *trendTracker) signalDown() bool {
	return tr.state != types.BiasBoth && tr.viaDown
}

// cooldownActive reports whether the downtrend cooldown set on entry to
// BiasBid/BiasAsk-via-down-bias is still in effect.
func (tr *trendTracker) cooldownActive(now time.Time) bool {
	return now.Before(tr.cooldownUntil)
}

// inventoryAwareBias flips bias back to BiasBoth when the trend would
// otherwise forbid the side needed to reduce existing inventory: we must
// always be allowed to close.
func inventoryAwareBias(bias types.TrendBias, inv decimal.Decimal) types.TrendBias {
	switch {
	case bias == types.BiasAsk && inv.IsNegative():
		// Short and trend says ask-only: we'd never be able to buy back.
		return types.BiasBoth
	case bias == types.BiasBid && inv.IsPositive():
		// Long and trend says bid-only: we'd never be able to sell down.
		return types.BiasBoth
	default:
		return bias
	}
}
