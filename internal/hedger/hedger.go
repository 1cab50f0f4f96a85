// Package hedger implements the Hedger: a two-phase passive-then-aggressive
// inventory reducer woken by fills or periodic polling.
//
// Built on a ticker/channel idiom: a time.Ticker-driven Run loop combined
// with a wakeup-channel pattern (a buffered "nudge" channel fed by
// AccountListener's onFill callback), generalizing a per-market
// dashboard-event channel into a fill-wakeup signal.
package hedger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/internal/config"
	"lighter-mm/internal/state"
	"lighter-mm/pkg/types"
)

// Hedger runs the per-market inventory-reduction loop for one configured
// hedge market.
type Hedger struct {
	cfg    config.HedgerConfig
	market types.MarketID

	store   *state.Store
	client  types.OrderClient
	alerter types.Alerter
	telem   types.Telemetry
	logger  *slog.Logger

	dryRun bool

	// defensiveDownCooldown overrides cfg.CooldownSeconds whenever
	// MakerEngine's regime tracker has published "regime_defensive" to
	// StateStore — spec §4.6 step 4's "each regime carries ... an
	// override of down_cooldown_seconds", wired from regime to hedger
	// via the shared flag since the two components don't otherwise share
	// state.
	defensiveDownCooldown time.Duration

	wake chan struct{}

	overTriggerSince time.Time
	cooldownUntil    time.Time
}

// New builds a Hedger. dryRun is forced true whenever feeTakerActualRate
// (the configured taker_actual_rate) is zero; cfg.DryRun is a plain bool,
// so a configured dry_run=false cannot lift this guard. defensiveDownCooldown
// is the maker's regimes.defensive_down_cooldown_seconds, consulted
// whenever StateStore's "regime_defensive" flag is set.
func New(
	cfg config.HedgerConfig,
	feeTakerActualRate float64,
	defensiveDownCooldown time.Duration,
	market types.MarketID,
	store *state.Store,
	client types.OrderClient,
	alerter types.Alerter,
	telem types.Telemetry,
	logger *slog.Logger,
) *Hedger {
	dryRun := cfg.DryRun
	if feeTakerActualRate == 0 && !cfg.DryRun {
		dryRun = true
	}
	return &Hedger{
		cfg:                   cfg,
		market:                market,
		store:                 store,
		client:                client,
		alerter:               alerter,
		telem:                 telem,
		logger:                logger.With("component", "hedger", "market", string(market)),
		dryRun:                dryRun,
		defensiveDownCooldown: defensiveDownCooldown,
		wake:                  make(chan struct{}, 1),
	}
}

// Nudge wakes the hedger loop on the next scheduling opportunity, intended
// to be passed as AccountListener's onFill callback.
func (h *Hedger) Nudge() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run blocks, evaluating on every poll interval and on every Nudge, until
// ctx is cancelled.
func (h *Hedger) Run(ctx context.Context) {
	if !h.cfg.Enabled {
		return
	}

	interval := h.cfg.PollIntervalSeconds
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("hedger started", "poll_interval", interval, "dry_run", h.dryRun)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hedger stopped")
			return
		case <-ticker.C:
			h.evaluate(ctx)
		case <-h.wake:
			h.evaluate(ctx)
		}
	}
}

// evaluate runs one full trigger/size/execute iteration of the hedge loop.
func (h *Hedger) evaluate(ctx context.Context) {
	now := time.Now()

	mid, ok := h.store.GetMid(h.market)
	if !ok {
		return
	}
	inventory := h.store.GetInventory(h.market)
	absInv := inventory.Abs()

	triggerUnits, _ := decimal.NewFromString(h.cfg.TriggerUnits)
	overTrigger := absInv.GreaterThan(triggerUnits)
	if overTrigger && h.cfg.TriggerNotional != "" {
		if triggerNotional, err := decimal.NewFromString(h.cfg.TriggerNotional); err == nil && triggerNotional.IsPositive() {
			overTrigger = overTrigger && absInv.Mul(mid).GreaterThan(triggerNotional)
		}
	}

	// Step 1 — under trigger: clear state and return.
	if !overTrigger {
		h.overTriggerSince = time.Time{}
		return
	}

	// Step 2 — first time over trigger.
	if h.overTriggerSince.IsZero() {
		h.overTriggerSince = now
	}

	guardSince, guardBlocked := h.store.GetGuardBlockSince(h.market)
	emergency := guardBlocked && h.cfg.GuardEmergencySeconds > 0 && now.Sub(guardSince) >= h.cfg.GuardEmergencySeconds

	// Step 3 — respect the cooldown unless this is an emergency.
	if !emergency && now.Before(h.cooldownUntil) {
		return
	}

	// Step 4 — clip size.
	targetUnits, _ := decimal.NewFromString(h.cfg.TargetUnits)
	maxClip, _ := decimal.NewFromString(h.cfg.MaxClipUnits)
	excess := absInv.Sub(targetUnits)
	if excess.IsNegative() {
		excess = decimal.Zero
	}
	clip := excess
	if maxClip.IsPositive() && clip.GreaterThan(maxClip) {
		clip = maxClip
	}
	if h.store.GetFlag("pnl_guard_active") && h.cfg.GuardClipMultiplier > 0 {
		clip = clip.Mul(decimal.NewFromFloat(h.cfg.GuardClipMultiplier))
	}
	if clip.IsZero() || clip.IsNegative() {
		return
	}

	side := types.Ask // reduce a long position by selling
	if inventory.IsNegative() {
		side = types.Bid // reduce a short position by buying
	}

	// Step 5 — mode selection.
	priceOffsetBps := h.cfg.PriceOffsetBps
	clipMult := 1.0
	if emergency {
		clipMult = h.cfg.GuardEmergencyClipMultiplier
		priceOffsetBps += h.cfg.GuardEmergencyExtraBps
		h.cooldownUntil = time.Time{}
	}
	if clipMult > 0 {
		clip = clip.Mul(decimal.NewFromFloat(clipMult))
	}

	overTriggerDuration := now.Sub(h.overTriggerSince)
	tryPassiveFirst := !emergency && h.cfg.PreferPassive && overTriggerDuration < h.cfg.PassiveTimeoutSeconds

	if tryPassiveFirst {
		if h.attemptPassive(ctx, now, side, mid, clip) {
			h.onSuccess(now, emergency)
			return
		}
	}

	h.attemptAggressive(ctx, side, mid, clip, priceOffsetBps, emergency)
}

// attemptPassive implements step 6: a reduce-only post-only limit priced on
// the favorable side of mid, polled for up to passive_wait_seconds.
func (h *Hedger) attemptPassive(ctx context.Context, now time.Time, side types.Side, mid, clip decimal.Decimal) bool {
	offset := mid.Mul(decimal.NewFromFloat(h.cfg.PassiveOffsetBps / 10000.0))
	price := mid.Add(offset)
	if side == types.Bid {
		price = mid.Sub(offset)
	}

	if h.dryRun {
		h.logger.Info("dry-run: would place passive hedge", "side", side, "price", price, "size", clip)
		return false
	}

	ack, err := h.client.CreatePostOnlyLimit(ctx, h.market, side, price, clip, true)
	if err != nil {
		h.logger.Warn("passive hedge placement failed, falling through to aggressive", "error", err)
		return false
	}
	h.store.AddOrder(ack.ClientOrderID, types.OpenOrder{
		ClientOrderID: ack.ClientOrderID,
		Market:        h.market,
		Side:          side,
		Price:         price,
		Size:          clip,
		ReduceOnly:    true,
		PlacedAt:      now,
	})
	defer h.store.RemoveOrder(ack.ClientOrderID)

	startInv := h.store.GetInventory(h.market).Abs()
	wait := h.cfg.PassiveWaitSeconds
	if wait <= 0 {
		wait = 5 * time.Second
	}
	deadline := time.Now().Add(wait)
	triggerUnits, _ := decimal.NewFromString(h.cfg.TriggerUnits)

	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		cur := h.store.GetInventory(h.market).Abs()
		reduced := startInv.Sub(cur)
		if cur.LessThanOrEqual(triggerUnits) {
			return true
		}
		if clip.IsPositive() && reduced.GreaterThanOrEqual(clip.Mul(decimal.NewFromFloat(0.6))) {
			return true
		}
		select {
		case <-ctx.Done():
			_ = h.client.CancelOrder(context.Background(), h.market, ack.ClientOrderID)
			return false
		default:
		}
	}

	if err := h.client.CancelOrder(ctx, h.market, ack.ClientOrderID); err != nil {
		h.logger.Warn("cancel of timed-out passive hedge order failed", "error", err)
	}
	return false
}

// attemptAggressive implements step 7: an IOC reduce-only order crossing
// the spread, skipped if expected slippage exceeds max_slippage_bps, and
// retried up to max_attempts times.
func (h *Hedger) attemptAggressive(ctx context.Context, side types.Side, mid, clip decimal.Decimal, priceOffsetBps float64, emergency bool) {
	offset := mid.Mul(decimal.NewFromFloat(priceOffsetBps / 10000.0))
	price := mid.Sub(offset)
	if side == types.Bid {
		price = mid.Add(offset)
	}

	slippageBps := priceOffsetBps
	if h.cfg.MaxSlippageBps > 0 && slippageBps > h.cfg.MaxSlippageBps {
		h.logger.Warn("aggressive hedge skipped: expected slippage exceeds cap",
			"slippage_bps", slippageBps, "max_slippage_bps", h.cfg.MaxSlippageBps)
		return
	}

	if h.dryRun {
		h.logger.Info("dry-run: would place aggressive hedge", "side", side, "price", price, "size", clip)
		return
	}

	attempts := h.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := h.cfg.RetryBackoffSeconds
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := h.client.CreateLimitOrder(ctx, h.market, side, price, clip, true, false, types.TIFImmediate)
		if err == nil {
			h.onSuccess(time.Now(), emergency)
			return
		}
		h.logger.Warn("aggressive hedge attempt failed", "attempt", attempt, "error", err)
		if attempt < attempts {
			time.Sleep(backoff)
		}
	}
	h.alerter.Fire("warning", "hedger exhausted retries on aggressive reduction",
		map[string]any{"market": string(h.market), "side": string(side), "size": clip.String()})
}

// onSuccess implements step 8: touch the hedge heartbeat and schedule the
// next cooldown window. Precedence: an emergency reduction uses
// EmergencyCooldownSeconds when that is set; otherwise, when MakerEngine's regime is
// currently defensive (per StateStore's "regime_defensive" flag), the
// regime's own down_cooldown_seconds override applies in place of the
// hedger's configured cooldown.
func (h *Hedger) onSuccess(now time.Time, emergency bool) {
	h.telem.Touch("hedge")
	cooldown := h.cfg.CooldownSeconds
	switch {
	case emergency && h.cfg.EmergencyCooldownSeconds > 0:
		cooldown = h.cfg.EmergencyCooldownSeconds
	case h.defensiveDownCooldown > 0 && h.store.GetFlag("regime_defensive"):
		cooldown = h.defensiveDownCooldown
	}
	if cooldown > 0 {
		h.cooldownUntil = now.Add(cooldown)
	}
	h.overTriggerSince = time.Time{}
}
