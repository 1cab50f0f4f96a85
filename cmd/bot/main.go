// lighter-mm is a perpetual-futures market maker and inventory hedger.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires every component, runs Supervisor
//	internal/marketdata      — WS mid-price ingestion into the shared StateStore
//	internal/account         — WS fill/position reconciliation, FIFO PnL, ledger append
//	internal/maker           — quoting loop: volatility/trend/regime/inventory overlays -> two-sided quote
//	internal/hedger          — passive-then-aggressive inventory reduction
//	internal/guard           — stateless pre-trade admission checks
//	internal/exchange        — REST order placement/cancellation, WS transport, HMAC auth
//	internal/state           — in-memory per-market StateStore shared by every task
//	internal/ledger          — append-only JSONL fill ledger with size-based rotation
//	internal/telemetry       — Prometheus metrics + /health heartbeat exporter
//	internal/alert           — webhook alert dispatcher
//	internal/supervisor      — owns every long-running task, shutdown, and the stale-heartbeat watchdog
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"lighter-mm/internal/account"
	"lighter-mm/internal/alert"
	"lighter-mm/internal/config"
	"lighter-mm/internal/exchange"
	"lighter-mm/internal/guard"
	"lighter-mm/internal/hedger"
	"lighter-mm/internal/ledger"
	"lighter-mm/internal/maker"
	"lighter-mm/internal/marketdata"
	"lighter-mm/internal/state"
	"lighter-mm/internal/supervisor"
	"lighter-mm/internal/telemetry"
	"lighter-mm/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("LMM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	makerMarket, ok := types.NormalizeMarketID(cfg.Maker.Pair)
	if !ok {
		logger.Error("maker.pair is not a valid market identifier", "pair", cfg.Maker.Pair)
		os.Exit(1)
	}

	trackedMarkets := []types.MarketID{makerMarket}
	var hedgeMarket types.MarketID
	if cfg.Hedger.Enabled {
		hm, ok := types.NormalizeMarketID(cfg.Hedger.Market)
		if !ok {
			logger.Error("hedger.market is not a valid market identifier", "market", cfg.Hedger.Market)
			os.Exit(1)
		}
		hedgeMarket = hm
		if hedgeMarket != makerMarket {
			trackedMarkets = append(trackedMarkets, hedgeMarket)
		}
	}

	store := state.New()
	store.SetAccountIndex(cfg.API.AccountIndex)

	ledg, err := ledger.Open(cfg.Ledger.Path, cfg.Ledger.ArchiveDir, cfg.Ledger.MaxBytes, logger)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}

	alerter := alert.New(cfg.Alert.WebhookURL, logger)

	// Built unconditionally (maker/hedger/account all depend on
	// types.Telemetry), but only handed to the Supervisor as a runnable
	// task when telemetry is enabled — see telemetryRunner below.
	telem := telemetry.New(cfg.Telemetry.Port, logger)

	auth := exchange.NewAuth(*cfg)
	client := exchange.NewClient(*cfg, auth, logger)

	guardCfg := guard.Config{
		PriceBandBps:          decimal.NewFromFloat(cfg.Guard.PriceBandBps),
		CrossedBookProtection: cfg.Guard.CrossedBookProtection,
		MaxPositionUnits:      mustDecimal(cfg.Guard.MaxPositionUnits, logger, "guard.max_position_units"),
		MaxInventoryNotional:  mustDecimal(cfg.Guard.MaxInventoryNotional, logger, "guard.max_inventory_notional"),
		SelfTradeProtection:   cfg.Guard.SelfTradeProtection,
	}
	g := guard.New(guardCfg)

	// Default subscriptions: the global market-stats channel plus one
	// per-market channel for every tracked market.
	channels := cfg.WS.Channels
	if len(channels) == 0 {
		channels = []string{"market_stats/all"}
		for _, m := range trackedMarkets {
			if idx, err := m.Index(); err == nil {
				channels = append(channels, fmt.Sprintf("market_stats/%d", idx))
			}
		}
	}
	marketListener := marketdata.New(cfg.WS, channels, trackedMarkets, store, telem, logger)

	engine := maker.New(cfg.Maker, cfg.Guard.BackoffSecondsOnBlock, makerMarket, store, g, client, alerter, telem, logger)

	var hedgeTask *hedger.Hedger
	if cfg.Hedger.Enabled {
		hedgeTask = hedger.New(cfg.Hedger, cfg.Fees.TakerActualRate, cfg.Maker.Regimes.DefensiveDownCooldownSeconds, hedgeMarket, store, client, alerter, telem, logger)
	}

	onFill := func() {
		if hedgeTask != nil {
			hedgeTask.Nudge()
		}
	}
	accountListener := account.New(cfg.WS, cfg.Fees, cfg.API.AccountIndex, trackedMarkets, store, ledg, telem, onFill, logger)

	var telemetryRunner interface {
		Run(ctx context.Context) error
	}
	if cfg.Telemetry.Enabled {
		telemetryRunner = telem
	}

	sup := supervisor.New(*cfg, store, ledg, telem, telem, alerter, telemetryRunner, marketListener, accountListener, engine, hedgeTask, logger)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("lighter-mm starting",
		"maker_market", string(makerMarket),
		"hedger_enabled", cfg.Hedger.Enabled,
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup.Run(ctx)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// mustDecimal parses an optional config string to a decimal, defaulting to
// zero (meaning "no cap") on blank input and logging a warning on garbage
// input rather than crashing startup over a single bad limit field.
func mustDecimal(s string, logger *slog.Logger, field string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		logger.Warn("invalid decimal config value, defaulting to zero", "field", field, "value", s, "error", err)
		return decimal.Zero
	}
	return d
}
