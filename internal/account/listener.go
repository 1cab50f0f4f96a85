// Package account implements AccountListener: the private-channel WebSocket
// consumer that classifies our own fills, mutates inventory, appends to the
// metrics ledger, and wakes the hedger.
//
// Grounded on the same exchange.Conn reconnect loop as marketdata.Listener
// (both are thin routers over the shared dialer), with a single owner of
// position state generalized here to the full maker/taker classification
// and FIFO realized-PnL algorithm.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/internal/config"
	"lighter-mm/internal/exchange"
	"lighter-mm/internal/ledger"
	"lighter-mm/internal/state"
	"lighter-mm/pkg/types"
)

// Listener runs the private account WebSocket feed for the lifetime of the
// process.
type Listener struct {
	cfg          config.WSConfig
	fees         config.FeesConfig
	accountIndex int64

	trackedMarkets []types.MarketID

	store  *state.Store
	ledger *ledger.Ledger
	tel    types.Telemetry
	onFill func()
	logger *slog.Logger

	fifo *fifoBook
}

// New builds a Listener. trackedMarkets is the full set of markets whose
// inventory this process cares about; a position-snapshot frame that omits
// one of them resets it to zero.
func New(cfg config.WSConfig, fees config.FeesConfig, accountIndex int64, trackedMarkets []types.MarketID, store *state.Store, ledg *ledger.Ledger, tel types.Telemetry, onFill func(), logger *slog.Logger) *Listener {
	return &Listener{
		cfg:            cfg,
		fees:           fees,
		accountIndex:   accountIndex,
		trackedMarkets: trackedMarkets,
		store:          store,
		ledger:         ledg,
		tel:            tel,
		onFill:         onFill,
		logger:         logger.With("component", "account"),
		fifo:           newFIFOBook(),
	}
}

// Run drives the listener until ctx is cancelled, reconnecting with
// exponential backoff indefinitely (unlike MarketDataListener, there is no
// synthetic fallback for account state — it must reflect the exchange).
func (l *Listener) Run(ctx context.Context) error {
	conn := exchange.NewConn(l.cfg.AccountURL, l.cfg.IdleTimeout, l.subscribe, l.logger)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-conn.Frames():
				if !ok {
					return
				}
				l.handleFrame(conn, frame)
			}
		}
	}()

	return conn.Run(ctx)
}

func (l *Listener) subscribe(conn *exchange.Conn) error {
	channel := fmt.Sprintf("account_all/%d", l.accountIndex)
	frame := types.WSSubscribeFrame{Type: "subscribe", Channel: channel, Auth: l.cfg.AuthToken}
	return conn.WriteJSON(frame)
}

func (l *Listener) handleFrame(conn *exchange.Conn, raw []byte) {
	l.tel.Touch("ws")

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		switch envelope.Type {
		case "ping":
			if err := conn.WriteJSON(types.WSPingPong{Type: "pong"}); err != nil {
				l.logger.Warn("pong reply failed", "error", err)
			}
			return
		case "pong":
			return
		case "connected":
			if err := l.subscribe(conn); err != nil {
				l.logger.Warn("resubscribe after connected frame failed", "error", err)
			}
			return
		}
	}

	var frame types.AccountFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		l.logger.Debug("ignoring non-account-frame ws message", "error", err)
		return
	}

	if frame.Trades != nil {
		for _, trade := range decodeTrades(frame.Trades) {
			l.processTrade(trade)
		}
	}
	if frame.Positions != nil {
		l.processPositions(frame.Positions)
	}
}

// decodeTrades tolerates both documented shapes: a bare list of trades, or
// a map of id to trade list.
func decodeTrades(raw any) []types.TradeEntry {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}

	var asList []types.TradeEntry
	if err := json.Unmarshal(encoded, &asList); err == nil && len(asList) > 0 {
		return asList
	}

	var asMap map[string][]types.TradeEntry
	if err := json.Unmarshal(encoded, &asMap); err == nil {
		var out []types.TradeEntry
		for _, trades := range asMap {
			out = append(out, trades...)
		}
		return out
	}

	return nil
}

func (l *Listener) processTrade(trade types.TradeEntry) {
	market, ok := types.NormalizeMarketID(trade.MarketID)
	if !ok {
		l.logger.Debug("trade with unrecognized market id", "raw", trade.MarketID)
		return
	}

	isAsk := l.accountIndex != 0 && l.accountIndex == trade.AskAccount
	isBid := l.accountIndex != 0 && l.accountIndex == trade.BidAccount
	if !isAsk && !isBid {
		return
	}

	var role types.Role
	switch {
	case isAsk && trade.IsMakerAsk:
		role = types.RoleMaker
	case isAsk && !trade.IsMakerAsk:
		role = types.RoleTaker
	case isBid && !trade.IsMakerAsk:
		role = types.RoleMaker
	default:
		role = types.RoleTaker
	}

	size, ok := parseAmount(trade.BaseAmount, trade.Size)
	if !ok {
		l.logger.Debug("trade with unparseable size", "market", market)
		return
	}
	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		l.logger.Debug("trade with unparseable price", "market", market, "error", err)
		return
	}

	baseDelta := size
	if isAsk {
		baseDelta = size.Neg()
	}
	quoteDelta := baseDelta.Neg().Mul(price)
	notional := size.Mul(price)

	var feeActualRate, feePremiumRate float64
	if role == types.RoleMaker {
		feeActualRate, feePremiumRate = l.fees.MakerActualRate, l.fees.MakerPremiumRate
	} else {
		feeActualRate, feePremiumRate = l.fees.TakerActualRate, l.fees.TakerPremiumRate
	}
	feeActual := notional.Mul(decimal.NewFromFloat(feeActualRate))
	feePremium := notional.Mul(decimal.NewFromFloat(feePremiumRate))

	var midPtr *decimal.Decimal
	mid, haveMid := l.store.GetMid(market)
	if haveMid {
		midPtr = &mid
	}

	event := types.FillEvent{
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		Market:     market,
		Role:       role,
		Side:       sideOf(baseDelta),
		Size:       size,
		Price:      price,
		Notional:   notional,
		BaseDelta:  baseDelta,
		QuoteDelta: quoteDelta,
		FeePaid:    feeActual,
		MidPrice:   midPtr,
		TradeID:    trade.TradeID,
		Source:     types.SourceAccountListener,
	}
	if err := event.Validate(); err != nil {
		l.logger.Error("dropping fill that violates invariants",
			"market", market, "trade_id", trade.TradeID, "error", err)
		return
	}

	l.store.UpdateInventory(market, baseDelta)
	l.store.RecordVolumeSample(role, notional, feeActual, feePremium)
	l.store.RecordCashFlow(quoteDelta, feeActual)

	cumRealized := l.fifo.Apply(market, baseDelta, price, feeActual)
	l.tel.SetGauge("fifo_realized_pnl", mustFloat(cumRealized), "market", string(market))

	if haveMid {
		if role == types.RoleMaker {
			// A maker buy below mid (or sell above it) captured edge.
			edge := mid.Sub(price).Mul(size)
			if baseDelta.IsNegative() {
				edge = price.Sub(mid).Mul(size)
			}
			l.store.RecordMakerEdge(edge)
		} else {
			l.store.RecordTakerSlippage(price.Sub(mid).Mul(size))
		}
	}

	l.ledger.Append(event)

	if l.onFill != nil {
		go l.onFill()
	}
}

func (l *Listener) processPositions(positions map[string]types.PositionEntry) {
	seen := make(map[types.MarketID]bool, len(positions))

	for rawMarket, entry := range positions {
		market, ok := types.NormalizeMarketID(rawMarket)
		if !ok {
			continue
		}
		seen[market] = true

		qty, err := decimal.NewFromString(entry.Position)
		if err != nil {
			continue
		}
		if entry.Sign != nil {
			if *entry.Sign < 0 {
				qty = qty.Abs().Neg()
			} else {
				qty = qty.Abs()
			}
		}
		l.store.SetInventory(market, qty)
	}

	for _, market := range l.trackedMarkets {
		if !seen[market] {
			l.store.SetInventory(market, decimal.Zero)
		}
	}
}

func parseAmount(primary, fallback string) (decimal.Decimal, bool) {
	if primary != "" {
		if v, err := decimal.NewFromString(primary); err == nil {
			return v.Abs(), true
		}
	}
	if fallback != "" {
		if v, err := decimal.NewFromString(fallback); err == nil {
			return v.Abs(), true
		}
	}
	return decimal.Zero, false
}

func sideOf(baseDelta decimal.Decimal) types.Side {
	if baseDelta.IsNegative() {
		return types.Ask
	}
	return types.Bid
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
