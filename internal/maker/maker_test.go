package maker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/internal/config"
	"lighter-mm/internal/guard"
	"lighter-mm/internal/state"
	"lighter-mm/pkg/types"
)

func TestVolatilityTrackerHighVolPauseAndResume(t *testing.T) {
	t.Parallel()

	v := newVolatilityTracker(1) // short halflife so one big jump dominates the EMA
	cfg := volatilityConfig{
		PauseThresholdHigh:   50,
		ResumeThresholdHigh:  10,
		ResumeInventoryRatio: 1.0,
	}

	now := time.Unix(1000, 0)
	v.update(decimal.RequireFromString("100"), now)

	now = now.Add(time.Second)
	v.update(decimal.RequireFromString("110"), now) // 1000 bps jump, alpha=0.5 -> ema=500
	if paused := v.applyPause(cfg, decimal.Zero, decimal.RequireFromString("1000")); !paused {
		t.Fatalf("expected pause after large jump, emaBps=%v", v.emaBps)
	}

	// EMA decays but stays above resume threshold for a while; no resume.
	now = now.Add(time.Second)
	v.update(decimal.RequireFromString("110"), now)
	if paused := v.applyPause(cfg, decimal.Zero, decimal.RequireFromString("1000")); !paused {
		t.Fatalf("expected to remain paused, emaBps=%v", v.emaBps)
	}

	v.emaBps = 5 // force below resume threshold
	if paused := v.applyPause(cfg, decimal.Zero, decimal.RequireFromString("1000")); paused {
		t.Fatalf("expected resume once ema below resume threshold, got still paused")
	}
}

func TestVolatilityTrackerLowVolPauseUsesIndependentResume(t *testing.T) {
	t.Parallel()

	v := newVolatilityTracker(30)
	cfg := volatilityConfig{
		PauseThresholdHigh:  1000,
		ResumeThresholdHigh: 500,
		PauseThresholdLow:   1,
		ResumeThresholdLow:  5,
	}

	v.initialized = true
	v.lastMid = decimal.RequireFromString("100")
	v.lastTs = time.Unix(1000, 0)
	v.emaBps = 0.5 // between 0 and pause_threshold_low

	if paused := v.applyPause(cfg, decimal.Zero, decimal.Zero); !paused {
		t.Fatalf("expected low-vol pause to trigger")
	}
	if !v.pauseOnLow {
		t.Fatalf("expected pauseOnLow flag set")
	}

	// This ema would satisfy the high-vol resume condition (<= 500) if it
	// were mistakenly applied here, but it is still below resume_threshold_low
	// (5), so a low-vol pause must remain active.
	v.emaBps = 3
	if paused := v.applyPause(cfg, decimal.Zero, decimal.Zero); !paused {
		t.Fatalf("low-vol pause must only clear via resume_threshold_low, not the high-vol resume condition")
	}

	v.emaBps = 5
	if paused := v.applyPause(cfg, decimal.Zero, decimal.Zero); paused {
		t.Fatalf("expected resume once ema >= resume_threshold_low")
	}
}

func TestTrendTrackerHysteresis(t *testing.T) {
	t.Parallel()

	tr := newTrendTracker(trendConfig{
		LookbackSeconds:    time.Minute,
		UpThresholdBps:     50,
		DownThresholdBps:   50,
		ResumeThresholdBps: 10,
		ExtraSpreadBps:     5,
	})

	base := time.Unix(2000, 0)
	bias, _ := tr.update(base, decimal.RequireFromString("100"))
	if bias != types.BiasBoth {
		t.Fatalf("expected initial bias both, got %s", bias)
	}

	bias, extra := tr.update(base.Add(time.Second), decimal.RequireFromString("100.6")) // +60bps
	if bias != types.BiasAsk {
		t.Fatalf("expected ask_only after uptrend breach, got %s", bias)
	}
	if extra <= 0 {
		t.Fatalf("expected nonzero extra spread while trending")
	}

	// Small pullback, still above resume threshold: stays ask_only.
	bias, _ = tr.update(base.Add(2*time.Second), decimal.RequireFromString("100.5"))
	if bias != types.BiasAsk {
		t.Fatalf("expected to remain ask_only above resume threshold, got %s", bias)
	}

	// Falls back under resume threshold: exits to neutral.
	bias, _ = tr.update(base.Add(3*time.Second), decimal.RequireFromString("100.05"))
	if bias != types.BiasBoth {
		t.Fatalf("expected exit to neutral below resume threshold, got %s", bias)
	}
}

func TestTrendTrackerDownBiasSetsCooldownAndSignalDown(t *testing.T) {
	t.Parallel()

	tr := newTrendTracker(trendConfig{
		LookbackSeconds:     time.Minute,
		DownThresholdBps:    50,
		ResumeThresholdBps:  10,
		DownCooldownSeconds: 10 * time.Second,
	})

	base := time.Unix(3000, 0)
	tr.update(base, decimal.RequireFromString("100"))
	bias, _ := tr.update(base.Add(time.Second), decimal.RequireFromString("99.4")) // -60bps

	if bias != types.BiasBid {
		t.Fatalf("expected bid_only on downtrend without down_bias_ask_only, got %s", bias)
	}
	if !tr.signalDown() {
		t.Fatalf("expected signalDown true after downtrend trigger")
	}
	if !tr.cooldownActive(base.Add(2 * time.Second)) {
		t.Fatalf("expected cooldown active shortly after downtrend entry")
	}
	if tr.cooldownActive(base.Add(20 * time.Second)) {
		t.Fatalf("expected cooldown to have expired after cooldown window")
	}
}

func TestInventoryAwareBiasFlipsToBothWhenClosing(t *testing.T) {
	t.Parallel()

	if got := inventoryAwareBias(types.BiasAsk, decimal.RequireFromString("-5")); got != types.BiasBoth {
		t.Fatalf("short + ask_only trend should flip to both, got %s", got)
	}
	if got := inventoryAwareBias(types.BiasBid, decimal.RequireFromString("5")); got != types.BiasBoth {
		t.Fatalf("long + bid_only trend should flip to both, got %s", got)
	}
	if got := inventoryAwareBias(types.BiasAsk, decimal.RequireFromString("5")); got != types.BiasAsk {
		t.Fatalf("long + ask_only trend should be left alone, got %s", got)
	}
}

func TestRegimeTrackerEntersDefensiveImmediatelyAndRespectsDwellOnExit(t *testing.T) {
	t.Parallel()

	cfg := config.RegimeConfig{
		MinDwellSeconds:          30 * time.Second,
		VolThresholdBps:          100,
		AggressiveSizeMultiplier: 1.0,
		DefensiveSizeMultiplier:  0.3,
	}
	r := newRegimeTracker(cfg)

	// emaBps=200 sits above the 100bps threshold, i.e. not low-volatility,
	// so it never triggers the defensive low-vol input on its own.
	now := time.Unix(4000, 0)
	regime := r.update(now, false, false, false, 200)
	if regime != types.RegimeAggressive {
		t.Fatalf("expected to start aggressive, got %s", regime)
	}

	regime = r.update(now.Add(time.Second), true, false, false, 200) // pnl guard active
	if regime != types.RegimeDefensive {
		t.Fatalf("expected immediate switch to defensive, got %s", regime)
	}

	// pnl guard clears a moment later, but min dwell hasn't elapsed.
	regime = r.update(now.Add(2*time.Second), false, false, false, 200)
	if regime != types.RegimeDefensive {
		t.Fatalf("expected to remain defensive until min dwell elapses, got %s", regime)
	}

	regime = r.update(now.Add(40*time.Second), false, false, false, 200)
	if regime != types.RegimeAggressive {
		t.Fatalf("expected to resume aggressive after min dwell elapsed, got %s", regime)
	}
}

func TestRegimeTrackerLowVolatilityTriggersDefensive(t *testing.T) {
	t.Parallel()

	cfg := config.RegimeConfig{VolThresholdBps: 100}
	r := newRegimeTracker(cfg)

	now := time.Unix(4100, 0)
	if regime := r.update(now, false, false, false, 200); regime != types.RegimeAggressive {
		t.Fatalf("expected aggressive above the vol threshold, got %s", regime)
	}
	if regime := r.update(now.Add(time.Second), false, false, false, 50); regime != types.RegimeDefensive {
		t.Fatalf("expected defensive once ema drops below the low-volatility threshold, got %s", regime)
	}
}

func TestCancelBudgetFixedWindow(t *testing.T) {
	t.Parallel()

	cb := newCancelBudget(60*time.Second, 5)
	now := time.Unix(5000, 0)

	for i := 0; i < 5; i++ {
		if !cb.Allow(now) {
			t.Fatalf("expected cancel %d to be allowed within budget", i)
		}
	}
	if cb.Allow(now) {
		t.Fatalf("expected 6th cancel within the same window to be refused")
	}
	// Still within the 60s window: must stay refused even well before reset.
	if cb.Allow(now.Add(12 * time.Second)) {
		t.Fatalf("cancel budget must not refill continuously before the window rolls")
	}
	// Window rolls over: resets to a fresh budget.
	if !cb.Allow(now.Add(61 * time.Second)) {
		t.Fatalf("expected budget to reset once the 60s window has elapsed")
	}
}

func TestPnLGuardActivatesBelowFloorAndSelfExpires(t *testing.T) {
	t.Parallel()

	g := newPnLGuard(config.PnLGuardConfig{
		RealizedFloor:   "-100",
		ExtraSpreadBps:  20,
		SizeMultiplier:  0.5,
		DurationSeconds: 10 * time.Second,
	})

	now := time.Unix(6000, 0)
	if g.update(now, decimal.RequireFromString("-50")) {
		t.Fatalf("expected guard inactive above the floor")
	}
	if !g.update(now, decimal.RequireFromString("-150")) {
		t.Fatalf("expected guard to activate below the floor")
	}
	extra, mult := g.overlay()
	if extra != 20 || mult != 0.5 {
		t.Fatalf("unexpected overlay values: extra=%v mult=%v", extra, mult)
	}

	// Recovers above floor mid-window: stays active until duration elapses.
	if !g.update(now.Add(time.Second), decimal.RequireFromString("0")) {
		t.Fatalf("expected guard to remain active for the full duration")
	}
	if g.update(now.Add(11*time.Second), decimal.RequireFromString("0")) {
		t.Fatalf("expected guard to self-expire after duration elapsed")
	}
}

func TestInventoryTierThresholds(t *testing.T) {
	t.Parallel()

	cfg := config.InventoryTierConfig{
		LowUnits: 10, MedUnits: 50, HighUnits: 100,
		LowExtraBps: 1, MedExtraBps: 5, HighExtraBps: 20,
		LowSizeMultiplier: 0.8, MedSizeMultiplier: 0.5, HighSizeMultiplier: 0.2,
	}

	if extra, mult := inventoryTier(cfg, 5); extra != 0 || mult != 1.0 {
		t.Fatalf("below low tier should have no overlay, got extra=%v mult=%v", extra, mult)
	}
	if extra, mult := inventoryTier(cfg, 20); extra != 1 || mult != 0.8 {
		t.Fatalf("expected low tier, got extra=%v mult=%v", extra, mult)
	}
	if extra, mult := inventoryTier(cfg, 60); extra != 5 || mult != 0.5 {
		t.Fatalf("expected med tier, got extra=%v mult=%v", extra, mult)
	}
	if extra, mult := inventoryTier(cfg, 200); extra != 20 || mult != 0.2 {
		t.Fatalf("expected high tier, got extra=%v mult=%v", extra, mult)
	}
}

func TestQuoteSizeInventoryRatioCurve(t *testing.T) {
	t.Parallel()

	cfg := config.MakerConfig{Size: "1.0", SizeMin: "0.5", SizeMax: "1.5"}
	mid := decimal.RequireFromString("100")
	softCap := decimal.RequireFromString("10")

	// Zero inventory: curve sits at size_max, but regime_size (base*1.0=1.0)
	// is smaller, so the min() still yields base size.
	size := quoteSize(cfg, mid, decimal.Zero, softCap, 0, 1.0, 1.0, 1.0)
	if !size.Equal(decimal.RequireFromString("1.0")) {
		t.Fatalf("expected size 1.0 at zero inventory, got %s", size)
	}

	// Inventory at the soft cap: curve collapses to size_min (0.5), which is
	// now the binding constraint against the 1.0 regime size.
	size = quoteSize(cfg, mid, decimal.RequireFromString("10"), softCap, 0, 1.0, 1.0, 1.0)
	if !size.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected size to collapse to size_min at full inventory, got %s", size)
	}

	// Halfway to the soft cap: curve gives 1.5 - (1.5-0.5)*0.5 = 1.0, still
	// not binding against the 1.0 regime size.
	size = quoteSize(cfg, mid, decimal.RequireFromString("5"), softCap, 0, 1.0, 1.0, 1.0)
	if !size.Equal(decimal.RequireFromString("1.0")) {
		t.Fatalf("expected size 1.0 halfway to soft cap, got %s", size)
	}
}

func TestQuoteSizeVolatilityFactorShrinksTowardFloor(t *testing.T) {
	t.Parallel()

	cfg := config.MakerConfig{Size: "2.0", SizeMax: "2.0", SizeMin: "2.0"}
	cfg.Volatility.VolLowBps = 10
	cfg.Volatility.VolHighBps = 50
	mid := decimal.RequireFromString("100")

	below := quoteSize(cfg, mid, decimal.Zero, decimal.Zero, 5, 1.0, 1.0, 1.0)
	if !below.Equal(decimal.RequireFromString("2.0")) {
		t.Fatalf("expected full size below vol_low, got %s", below)
	}

	above := quoteSize(cfg, mid, decimal.Zero, decimal.Zero, 100, 1.0, 1.0, 1.0)
	if !above.Equal(decimal.RequireFromString("1.0")) {
		t.Fatalf("expected size at the 0.5 floor above vol_high, got %s", above)
	}
}

func TestQuoteSizeFlooredAtExchangeMinimums(t *testing.T) {
	t.Parallel()

	cfg := config.MakerConfig{
		Size: "1.0", SizeMin: "0.5", SizeMax: "1.5",
		ExchangeMinSize:     "0.1",
		ExchangeMinNotional: "50",
	}
	mid := decimal.RequireFromString("100")

	// A tiny effective size from a near-zero pnl-guard multiplier must still
	// be floored at exchange_min_notional/mid (0.5), not at exchange_min_size.
	size := quoteSize(cfg, mid, decimal.Zero, decimal.Zero, 0, 1.0, 1.0, 0.001)
	if size.LessThan(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected size floored at exchange_min_notional/mid, got %s", size)
	}
}

// fakeOrderClient records every placement/cancellation for engine-level
// scenario tests.
type fakeOrderClient struct {
	creates []placedOrder
	cancels int
}

type placedOrder struct {
	side       types.Side
	price      decimal.Decimal
	size       decimal.Decimal
	reduceOnly bool
}

func (f *fakeOrderClient) CreatePostOnlyLimit(ctx context.Context, market types.MarketID, side types.Side, price, size decimal.Decimal, reduceOnly bool) (types.OrderAck, error) {
	f.creates = append(f.creates, placedOrder{side: side, price: price, size: size, reduceOnly: reduceOnly})
	return types.OrderAck{ClientOrderID: int64(len(f.creates))}, nil
}

func (f *fakeOrderClient) CreateLimitOrder(ctx context.Context, market types.MarketID, side types.Side, price, size decimal.Decimal, reduceOnly, postOnly bool, tif types.TimeInForce) (types.OrderAck, error) {
	f.creates = append(f.creates, placedOrder{side: side, price: price, size: size, reduceOnly: reduceOnly})
	return types.OrderAck{ClientOrderID: int64(len(f.creates))}, nil
}

func (f *fakeOrderClient) CancelOrder(ctx context.Context, market types.MarketID, clientOrderID int64) error {
	f.cancels++
	return nil
}

type fakeTelemetry struct{}

func (fakeTelemetry) SetGauge(name string, v float64, labels ...string) {}
func (fakeTelemetry) IncCounter(name string, labels ...string)          {}
func (fakeTelemetry) Touch(heartbeat string)                            {}

type fakeAlerter struct{}

func (fakeAlerter) Fire(severity, msg string, fields map[string]any) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg config.MakerConfig, market types.MarketID, st *state.Store, client *fakeOrderClient) *Engine {
	t.Helper()
	g := guard.New(guard.Config{PriceBandBps: decimal.RequireFromString("100")})
	return New(cfg, 0, market, st, g, client, fakeAlerter{}, fakeTelemetry{}, testLogger())
}

// TestMakerEngineHappyPathTick: a flat inventory, zero-jitter,
// aggressive-regime tick quotes exactly 5bps off a 100.000 mid on a
// 1.0-size pair.
func TestMakerEngineHappyPathTick(t *testing.T) {
	t.Parallel()

	market := types.NewMarketID(1)
	st := state.New()
	st.SetMid(market, decimal.RequireFromString("100"))

	cfg := config.MakerConfig{
		Size: "1.0", SizeMin: "0.5", SizeMax: "1.5",
		SpreadBps: 10, RandomizeBps: 0,
	}
	cfg.Regimes.AggressiveSizeMultiplier = 1.0
	cfg.Regimes.DefensiveSizeMultiplier = 1.0

	client := &fakeOrderClient{}
	e := newTestEngine(t, cfg, market, st, client)

	e.tick(context.Background())

	if len(client.creates) != 2 {
		t.Fatalf("expected exactly two orders placed, got %d", len(client.creates))
	}
	var bid, ask *placedOrder
	for i := range client.creates {
		switch client.creates[i].side {
		case types.Bid:
			bid = &client.creates[i]
		case types.Ask:
			ask = &client.creates[i]
		}
	}
	if bid == nil || ask == nil {
		t.Fatalf("expected one bid and one ask, got %+v", client.creates)
	}
	if !bid.price.Equal(decimal.RequireFromString("99.95")) {
		t.Fatalf("expected bid 99.95, got %s", bid.price)
	}
	if !ask.price.Equal(decimal.RequireFromString("100.05")) {
		t.Fatalf("expected ask 100.05, got %s", ask.price)
	}
	if !bid.size.Equal(decimal.RequireFromString("1")) || !ask.size.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("expected size 1.0 on both sides, got bid=%s ask=%s", bid.size, ask.size)
	}
}

// TestMakerEngineAsymmetricInventorySuppressesAddingSide: once |inventory|
// exceeds asymmetric_threshold, the side that would grow the position
// further is never placed.
func TestMakerEngineAsymmetricInventorySuppressesAddingSide(t *testing.T) {
	t.Parallel()

	market := types.NewMarketID(1)
	cfg := config.MakerConfig{
		Size: "1.0", SizeMin: "0.5", SizeMax: "1.5",
		SpreadBps: 10, RandomizeBps: 0, AsymmetricThreshold: "0.01",
	}
	cfg.Regimes.AggressiveSizeMultiplier = 1.0

	t.Run("long suppresses bid", func(t *testing.T) {
		st := state.New()
		st.SetMid(market, decimal.RequireFromString("100"))
		st.SetInventory(market, decimal.RequireFromString("0.02"))
		client := &fakeOrderClient{}
		e := newTestEngine(t, cfg, market, st, client)
		e.tick(context.Background())

		if len(client.creates) != 1 || client.creates[0].side != types.Ask {
			t.Fatalf("expected exactly one ask order, got %+v", client.creates)
		}
	})

	t.Run("short suppresses ask", func(t *testing.T) {
		st := state.New()
		st.SetMid(market, decimal.RequireFromString("100"))
		st.SetInventory(market, decimal.RequireFromString("-0.02"))
		client := &fakeOrderClient{}
		e := newTestEngine(t, cfg, market, st, client)
		e.tick(context.Background())

		if len(client.creates) != 1 || client.creates[0].side != types.Bid {
			t.Fatalf("expected exactly one bid order, got %+v", client.creates)
		}
	})
}

// TestMakerEngineGuardDenialPlacesNoOrdersAndMarksGuardBlock: a guard
// denial (here, a price band too tight for the computed spread) places no
// orders and marks the guard block.
func TestMakerEngineGuardDenialPlacesNoOrdersAndMarksGuardBlock(t *testing.T) {
	t.Parallel()

	market := types.NewMarketID(1)
	st := state.New()
	st.SetMid(market, decimal.RequireFromString("100"))

	cfg := config.MakerConfig{Size: "1.0", SizeMin: "0.5", SizeMax: "1.5", SpreadBps: 10}
	cfg.Regimes.AggressiveSizeMultiplier = 1.0

	client := &fakeOrderClient{}
	g := guard.New(guard.Config{PriceBandBps: decimal.RequireFromString("1")}) // 0.01% band: the 5bps spread will breach it
	e := New(cfg, 0, market, st, g, client, fakeAlerter{}, fakeTelemetry{}, testLogger())

	e.tick(context.Background())

	if len(client.creates) != 0 {
		t.Fatalf("expected no orders placed on guard denial, got %d", len(client.creates))
	}
	if _, ok := st.GetGuardBlockSince(market); !ok {
		t.Fatalf("expected guard_block_since to be set after denial")
	}
}

// TestMakerEngineCancelBudgetThrottlesAcrossTicks: Scenario S6. With
// max_cancels=5, re-quoting on every tick across a simulated minute issues
// exactly 5 cancel operations; once the budget is exhausted mid-tick, that
// tick (and all subsequent ticks in the window) place no new orders.
func TestMakerEngineCancelBudgetThrottlesAcrossTicks(t *testing.T) {
	t.Parallel()

	market := types.NewMarketID(1)
	st := state.New()
	st.SetMid(market, decimal.RequireFromString("100"))

	cfg := config.MakerConfig{Size: "1.0", SizeMin: "0.5", SizeMax: "1.5", SpreadBps: 10, RandomizeBps: 0}
	cfg.Regimes.AggressiveSizeMultiplier = 1.0
	cfg.Limits.MaxCancels = 5

	client := &fakeOrderClient{}
	e := newTestEngine(t, cfg, market, st, client)

	// First tick: no resting orders yet, so both sides place without any
	// cancel. Every subsequent tick re-quotes both sides, consuming one
	// cancel unit per order cancelled (two per fully-reconciled tick).
	for i := 0; i < 60; i++ {
		e.tick(context.Background())
	}

	if client.cancels != 5 {
		t.Fatalf("expected exactly 5 cancel operations in the window, got %d", client.cancels)
	}
}

// TestMakerEngineSitsOutGuardBackoffAfterDenial: while a guard block is
// fresh relative to the configured back-off, ticks place nothing; once the
// back-off elapses, quoting resumes and the block clears.
func TestMakerEngineSitsOutGuardBackoffAfterDenial(t *testing.T) {
	t.Parallel()

	market := types.NewMarketID(1)
	st := state.New()
	st.SetMid(market, decimal.RequireFromString("100"))

	cfg := config.MakerConfig{Size: "1.0", SizeMin: "0.5", SizeMax: "1.5", SpreadBps: 10, RandomizeBps: 0}
	cfg.Regimes.AggressiveSizeMultiplier = 1.0

	client := &fakeOrderClient{}
	g := guard.New(guard.Config{PriceBandBps: decimal.RequireFromString("100")})
	e := New(cfg, 30*time.Second, market, st, g, client, fakeAlerter{}, fakeTelemetry{}, testLogger())

	st.MarkGuardBlocked(market, time.Now().Add(-time.Second))
	e.tick(context.Background())
	if len(client.creates) != 0 {
		t.Fatalf("expected no orders while inside the guard back-off, got %d", len(client.creates))
	}

	st.ClearGuardBlock(market)
	st.MarkGuardBlocked(market, time.Now().Add(-time.Minute)) // back-off long elapsed
	e.tick(context.Background())
	if len(client.creates) != 2 {
		t.Fatalf("expected quoting to resume after the back-off elapsed, got %d orders", len(client.creates))
	}
	if _, blocked := st.GetGuardBlockSince(market); blocked {
		t.Fatalf("expected a passing evaluation to clear the guard block")
	}
}
