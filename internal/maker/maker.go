// Package maker implements MakerEngine: the per-market quoting loop that
// turns a mid price, inventory, volatility, and trend into a two-sided
// post-only quote, subject to SafetyGuard admission and a fixed-window
// cancel budget.
//
// Built around a ticker-driven Run/quoteUpdate/reconcileOrders shape
// (cancel-then-place reconciliation, a per-market goroutine with a
// time.Ticker, dashboard/event-style logging), generalized from an
// Avellaneda-Stoikov reservation-price model to this repo's
// EMA-volatility/trend/regime/inventory-tier overlay model.
package maker

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/internal/config"
	"lighter-mm/internal/guard"
	"lighter-mm/internal/state"
	"lighter-mm/pkg/types"
)

// Engine runs the per-tick quoting loop for a single configured market.
type Engine struct {
	cfg          config.MakerConfig
	guardBackoff time.Duration
	market       types.MarketID

	store   *state.Store
	guard   *guard.Guard
	client  types.OrderClient
	alerter types.Alerter
	telem   types.Telemetry
	logger  *slog.Logger

	vol     *volatilityTracker
	trend   *trendTracker
	regime  *regimeTracker
	pnl     *pnlGuard
	cancels *cancelBudget
	rng     *rand.Rand
}

// New builds a MakerEngine for one market. guardBackoff is how long the
// engine sits out after a SafetyGuard denial before trying to quote again.
func New(
	cfg config.MakerConfig,
	guardBackoff time.Duration,
	market types.MarketID,
	store *state.Store,
	g *guard.Guard,
	client types.OrderClient,
	alerter types.Alerter,
	telem types.Telemetry,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:          cfg,
		guardBackoff: guardBackoff,
		market:       market,
		store:        store,
		guard:        g,
		client:       client,
		alerter:      alerter,
		telem:        telem,
		logger:       logger.With("component", "maker", "market", string(market)),
		vol:          newVolatilityTracker(cfg.Volatility.HalflifeSeconds),
		trend:        newTrendTracker(trendConfigFrom(cfg.Trend)),
		regime:       newRegimeTracker(cfg.Regimes),
		pnl:          newPnLGuard(cfg.PnLGuard),
		cancels:      newCancelBudget(60*time.Second, cfg.Limits.MaxCancels),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func trendConfigFrom(c config.TrendConfig) trendConfig {
	return trendConfig{
		LookbackSeconds:     c.LookbackSeconds,
		UpThresholdBps:      c.UpThresholdBps,
		DownThresholdBps:    c.DownThresholdBps,
		ResumeThresholdBps:  c.ResumeThresholdBps,
		DownBiasAskOnly:     c.DownBiasAskOnly,
		ExtraSpreadBps:      c.ExtraSpreadBps,
		DownCooldownSeconds: c.DownCooldownSeconds,
	}
}

// Run blocks, ticking every cfg.RefreshSeconds until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.RefreshSeconds
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("maker engine started", "refresh", interval)

	for {
		select {
		case <-ctx.Done():
			e.cancelAll(context.Background())
			e.logger.Info("maker engine stopped")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one full mid-to-quote iteration: volatility/trend/regime
// inputs, spread and size computation, the safety gate, and order
// reconciliation under the cancel budget.
func (e *Engine) tick(ctx context.Context) {
	now := time.Now()

	// Step 1 — acquire mid.
	mid, ok := e.store.GetMid(e.market)
	if !ok {
		return
	}

	// A recent guard denial sits out the configured back-off before the
	// next attempt; re-evaluation (and the block's clearing) resumes once
	// it elapses.
	if since, blocked := e.store.GetGuardBlockSince(e.market); blocked &&
		e.guardBackoff > 0 && now.Sub(since) < e.guardBackoff {
		return
	}

	inv := e.store.GetInventory(e.market)
	softCap, _ := decimal.NewFromString(e.cfg.InventorySoftCap)

	// Step 2 — volatility EMA + pause.
	emaBps := e.vol.update(mid, now)
	if e.vol.applyPause(volatilityConfigFrom(e.cfg.Volatility), inv, softCap) {
		e.cancelAll(ctx)
		return
	}

	// Step 3 — trend state.
	bias, trendExtraBps := e.trend.update(now, mid)
	bias = inventoryAwareBias(bias, inv)

	// Step 4 — regime.
	acc := e.store.GetAccumulators()
	pnlActive := e.pnl.update(now, acc.RealizedQuote)
	e.regime.update(now, pnlActive, e.trend.signalDown(), e.trend.cooldownActive(now), emaBps)
	e.store.SetFlag("pnl_guard_active", pnlActive)
	e.store.SetFlag("regime_defensive", e.regime.isDefensive())

	// Step 5 — spread and size.
	tierExtraBps, tierSizeMult := inventoryTier(e.cfg.InventoryTiers, inventoryAbsFloat(inv))
	pnlExtraBps, pnlSizeMult := e.pnl.overlay()

	spreadBps := volatilitySpreadBps(e.cfg, emaBps)
	spreadBps += e.regime.extraSpreadBps()
	spreadBps += trendExtraBps
	spreadBps += tierExtraBps
	spreadBps += pnlExtraBps
	spreadBps = clampSpread(e.cfg, spreadBps)
	spreadBps = jitterSpread(e.rng, e.cfg, spreadBps)
	if spreadBps < 1e-6 {
		spreadBps = 1e-6
	}

	half := mid.Mul(decimal.NewFromFloat(spreadBps / 20000.0))
	bidPrice := mid.Sub(half)
	askPrice := mid.Add(half)

	size := quoteSize(e.cfg, mid, inv, softCap, emaBps, tierSizeMult, e.regime.sizeMultiplier(), pnlSizeMult)

	// Step 6 — safety gate.
	if allowed, reason, killSwitch := e.guard.IsAllowed(mid, bidPrice, askPrice, mid, e.restingOrderViews()); !allowed {
		e.store.MarkGuardBlocked(e.market, now)
		e.logger.Warn("guard denied quote", "reason", reason)
		if killSwitch {
			e.alerter.Fire("kill_switch", "crossed-book quote blocked", map[string]any{"market": string(e.market), "reason": reason})
		}
		e.cancelAll(ctx)
		return
	}
	if allowed, reason := e.guard.InventoryAllowed(inv, mid); !allowed {
		e.store.MarkGuardBlocked(e.market, now)
		e.logger.Warn("guard denied on inventory", "reason", reason)
		e.cancelAll(ctx)
		return
	}
	e.store.ClearGuardBlock(e.market)

	// Step 7 — asymmetric bias from inventory (disable the side that would
	// grow the position further), folded with the trend bias.
	wantBid := bias != types.BiasAsk
	wantAsk := bias != types.BiasBid
	threshold, err := decimal.NewFromString(e.cfg.AsymmetricThreshold)
	if err == nil && threshold.IsPositive() && inv.Abs().GreaterThan(threshold) {
		if inv.IsPositive() {
			wantBid = false
		} else {
			wantAsk = false
		}
	}
	if !wantBid && !wantAsk {
		e.cancelAll(ctx)
		return
	}

	// Step 8 — reconcile orders under the cancel budget.
	e.reconcile(ctx, now, wantBid, wantAsk, bidPrice, askPrice, size)

	// Step 9 — heartbeat.
	e.telem.Touch("quote")
	e.telem.SetGauge("ema_bps", emaBps, string(e.market))
	e.telem.SetGauge("inventory", inventoryAbsFloat(inv), string(e.market))
}

func inventoryAbsFloat(inv decimal.Decimal) float64 {
	f, _ := inv.Abs().Float64()
	return f
}

func volatilityConfigFrom(c config.VolatilityConfig) volatilityConfig {
	return volatilityConfig{
		PauseThresholdHigh:   c.PauseThresholdHigh,
		ResumeThresholdHigh:  c.ResumeThresholdHigh,
		ResumeInventoryRatio: c.ResumeInventoryRatio,
		PauseThresholdLow:    c.PauseThresholdLow,
		ResumeThresholdLow:   c.ResumeThresholdLow,
		VolLowBps:            c.VolLowBps,
		VolHighBps:           c.VolHighBps,
	}
}

func (e *Engine) restingOrderViews() []guard.OpenOrderView {
	orders := e.store.GetOrders(e.market)
	out := make([]guard.OpenOrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, guard.OpenOrderView{Side: o.Side, Price: o.Price})
	}
	return out
}

// cancelAll cancels every order this engine is tracking for its market,
// consuming one unit of cancel budget per cancel request sent.
func (e *Engine) cancelAll(ctx context.Context) {
	orders := e.store.GetOrders(e.market)
	if len(orders) == 0 {
		return
	}
	now := time.Now()
	for id, o := range orders {
		// Reduce-only resting orders belong to the hedger, not this engine.
		if o.ReduceOnly {
			continue
		}
		if !e.cancels.Allow(now) {
			e.logger.Warn("cancel budget exhausted, cannot cancel all orders this tick")
			return
		}
		if err := e.client.CancelOrder(ctx, e.market, id); err != nil {
			e.logger.Error("cancel order failed", "order_id", id, "error", err)
			e.alerter.Fire("warning", "cancel order failed", map[string]any{"market": string(e.market), "order_id": id, "error": err.Error()})
			continue
		}
		e.store.RemoveOrder(id)
	}
}

// reconcile implements step 8: cancel every tracked order (subject to the
// cancel budget, consumed per cancel request sent), then place at most one
// post-only limit per enabled side.
func (e *Engine) reconcile(ctx context.Context, now time.Time, wantBid, wantAsk bool, bidPrice, askPrice, size decimal.Decimal) {
	orders := e.store.GetOrders(e.market)

	if len(orders) > 0 {
		for id, o := range orders {
			if o.ReduceOnly {
				continue
			}
			if !e.cancels.Allow(now) {
				e.logger.Debug("cancel budget exhausted, throttling quote this tick")
				return
			}
			if err := e.client.CancelOrder(ctx, e.market, id); err != nil {
				e.logger.Error("cancel order failed", "order_id", id, "error", err)
				continue
			}
			e.store.RemoveOrder(id)
		}
	}

	if wantBid && size.IsPositive() {
		e.place(ctx, types.Bid, bidPrice, size)
	}
	if wantAsk && size.IsPositive() {
		e.place(ctx, types.Ask, askPrice, size)
	}
}

func (e *Engine) place(ctx context.Context, side types.Side, price, size decimal.Decimal) {
	ack, err := e.client.CreatePostOnlyLimit(ctx, e.market, side, price, size, false)
	if err != nil {
		e.logger.Error("place order failed", "side", side, "price", price, "size", size, "error", err)
		e.alerter.Fire("warning", "place order failed", map[string]any{"market": string(e.market), "side": string(side), "error": err.Error()})
		return
	}
	e.store.AddOrder(ack.ClientOrderID, types.OpenOrder{
		ClientOrderID: ack.ClientOrderID,
		Market:        e.market,
		Side:          side,
		Price:         price,
		Size:          size,
		PlacedAt:      time.Now(),
	})
}

