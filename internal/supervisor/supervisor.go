// Package supervisor implements the Supervisor: creates every long-running
// component, runs each as an independent goroutine, and installs a single
// shutdown path plus a stale-heartbeat watchdog.
//
// A single goroutine per component runs behind a sync.WaitGroup with a
// shared cancel context, fixed to the four long-running tasks
// (MarketDataListener, AccountListener, MakerEngine, Hedger) plus the
// telemetry HTTP listener, with a watchdog goroutine that derives an alert
// from a staleness check against each component's recorded heartbeat.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/internal/account"
	"lighter-mm/internal/config"
	"lighter-mm/internal/hedger"
	"lighter-mm/internal/ledger"
	"lighter-mm/internal/maker"
	"lighter-mm/internal/marketdata"
	"lighter-mm/internal/state"
	"lighter-mm/pkg/types"
)

// heartbeatReader is the heartbeat-age view the watchdog consults,
// implemented by internal/telemetry.PromTelemetry.
type heartbeatReader interface {
	Age(heartbeat string) (time.Duration, bool)
}

// telemetryRunner is implemented by internal/telemetry.PromTelemetry.
type telemetryRunner interface {
	Run(ctx context.Context) error
}

// Supervisor owns every long-running task and coordinates shutdown.
type Supervisor struct {
	cfg    config.Config
	store  *state.Store
	ledg   *ledger.Ledger
	telem  types.Telemetry
	hbRead heartbeatReader
	alert  types.Alerter
	logger *slog.Logger

	telemetry telemetryRunner
	market    *marketdata.Listener
	account   *account.Listener
	engine    *maker.Engine
	hedge     *hedger.Hedger

	wg sync.WaitGroup
}

// New assembles a Supervisor from already-constructed components. Any of
// telemetryRunner/hedger may be nil (e.g. telemetry disabled, hedger
// disabled) — New only wires what it is given.
func New(
	cfg config.Config,
	store *state.Store,
	ledg *ledger.Ledger,
	telem types.Telemetry,
	hbRead heartbeatReader,
	alert types.Alerter,
	telemetryRunner telemetryRunner,
	marketListener *marketdata.Listener,
	accountListener *account.Listener,
	makerEngine *maker.Engine,
	hedgerTask *hedger.Hedger,
	logger *slog.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		store:     store,
		ledg:      ledg,
		telem:     telem,
		hbRead:    hbRead,
		alert:     alert,
		logger:    logger.With("component", "supervisor"),
		telemetry: telemetryRunner,
		market:    marketListener,
		account:   accountListener,
		engine:    makerEngine,
		hedge:     hedgerTask,
	}
}

// Run starts every component and blocks until ctx is cancelled (by a
// signal handler installed by the caller), then drains all tasks and
// fires a final shutdown alert before returning.
func (s *Supervisor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.spawn("market_data", func(ctx context.Context) {
		if err := s.market.Run(ctx); err != nil && ctx.Err() == nil {
			s.reportTaskError("market_data", err)
		}
	}, runCtx)

	s.spawn("account", func(ctx context.Context) {
		if err := s.account.Run(ctx); err != nil && ctx.Err() == nil {
			s.reportTaskError("account", err)
		}
	}, runCtx)

	s.spawn("maker", func(ctx context.Context) {
		s.engine.Run(ctx)
	}, runCtx)

	if s.hedge != nil {
		s.spawn("hedger", func(ctx context.Context) {
			s.hedge.Run(ctx)
		}, runCtx)
	}

	if s.telemetry != nil {
		s.spawn("telemetry", func(ctx context.Context) {
			if err := s.telemetry.Run(ctx); err != nil && ctx.Err() == nil {
				s.reportTaskError("telemetry", err)
			}
		}, runCtx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchdog(runCtx)
	}()

	<-runCtx.Done()
	s.logger.Info("shutdown signal received, draining tasks")
	cancel()
	s.wg.Wait()

	// Append opens, writes, and closes the ledger file on every call, so
	// there is no buffered state to flush here.
	s.alert.Fire("info", "bot shutdown complete", nil)
	s.logger.Info("supervisor stopped")
}

// spawn runs fn in its own goroutine under the WaitGroup, with a recover
// that converts a panic into a reported task error rather than bringing
// down the process — an unhandled failure in one task must not take down
// its peers.
func (s *Supervisor) spawn(name string, fn func(ctx context.Context), ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.reportTaskError(name, fmt.Errorf("panic: %v", r))
			}
		}()
		fn(ctx)
	}()
}

func (s *Supervisor) reportTaskError(name string, err error) {
	s.logger.Error("task exited with error", "task", name, "error", err)
	s.alert.Fire("error", fmt.Sprintf("%s task exited with an error", name), map[string]any{"error": err.Error()})
}

// watchdog periodically checks the ws/quote/hedge heartbeats and re-fires
// an alert if any has gone stale past its configured threshold. It alerts
// once per staleness episode rather than on every poll, to avoid paging
// storms while a heartbeat remains stale.
func (s *Supervisor) watchdog(ctx context.Context) {
	s.watchdogWithInterval(ctx, 5*time.Second)
}

// watchdogWithInterval is watchdog with an injectable poll interval, split
// out so tests can exercise the alert-once-per-episode behavior without
// waiting on the production 5s cadence.
func (s *Supervisor) watchdogWithInterval(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	alerted := make(map[string]bool)

	check := func(name string, threshold time.Duration) {
		if threshold <= 0 {
			return
		}
		age, ok := s.hbRead.Age(name)
		if !ok {
			return
		}
		if age > threshold {
			if !alerted[name] {
				alerted[name] = true
				s.alert.Fire("error", fmt.Sprintf("%s heartbeat stale", name),
					map[string]any{"age_seconds": age.Seconds(), "threshold_seconds": threshold.Seconds()})
			}
		} else {
			alerted[name] = false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check("ws", s.cfg.Watchdogs.WSStaleSeconds)
			check("quote", s.cfg.Watchdogs.QuoteStaleSeconds)
			check("hedge", s.cfg.Watchdogs.HedgeStaleSeconds)
			s.publishAccumulators()
		}
	}
}

// publishAccumulators pushes the StateStore's running fee/PnL totals out
// as gauges on each watchdog tick; the accumulators are read-only at this
// boundary.
func (s *Supervisor) publishAccumulators() {
	if s.telem == nil || s.store == nil {
		return
	}
	acc := s.store.GetAccumulators()
	set := func(name string, d decimal.Decimal) {
		f, _ := d.Float64()
		s.telem.SetGauge(name, f)
	}
	set("maker_notional", acc.MakerNotional)
	set("taker_notional", acc.TakerNotional)
	set("maker_fee_actual", acc.MakerFeeActual)
	set("maker_fee_premium", acc.MakerFeePremium)
	set("taker_fee_actual", acc.TakerFeeActual)
	set("taker_fee_premium", acc.TakerFeePremium)
	set("realized_quote", acc.RealizedQuote)
	set("maker_edge_total", acc.MakerEdgeTotal)
	set("taker_slippage_total", acc.TakerSlippageTotal)
}
