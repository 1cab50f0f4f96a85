// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — market identifiers,
// sides, decimal-precise order/fill shapes, and the wire payloads exchanged
// with the exchange's REST and WebSocket surfaces. It has no dependencies on
// internal packages, so it can be imported by any layer.
//
// Every monetary quantity (price, size, notional, fee, PnL) is a
// decimal.Decimal, never a float64. float64 is reserved for statistical
// gauges (volatility, trend deltas) and for timestamps expressed as Unix
// seconds.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Market identifier
// ————————————————————————————————————————————————————————————————————————

// MarketID is the opaque symbolic handle "market:<n>" all state is keyed by.
type MarketID string

// NewMarketID builds a canonical MarketID from a numeric index.
func NewMarketID(index int64) MarketID {
	return MarketID(fmt.Sprintf("market:%d", index))
}

// Index recovers the numeric exchange-side index from the suffix. Needed
// only at the exchange boundary, for order placement and cancellation.
func (m MarketID) Index() (int64, error) {
	s := string(m)
	const prefix = "market:"
	if !strings.HasPrefix(s, prefix) {
		return 0, fmt.Errorf("market id %q missing %q prefix", s, prefix)
	}
	n, err := strconv.ParseInt(s[len(prefix):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("market id %q: %w", s, err)
	}
	return n, nil
}

// NormalizeMarketID converts a raw exchange market identifier, which may
// arrive as a bare integer, a numeric string, or an already-canonical
// "market:<n>" string, into the canonical MarketID form.
func NormalizeMarketID(raw any) (MarketID, bool) {
	switch v := raw.(type) {
	case MarketID:
		return v, true
	case string:
		if strings.HasPrefix(v, "market:") {
			return MarketID(v), true
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return NewMarketID(n), true
		}
		return "", false
	case float64:
		return NewMarketID(int64(v)), true
	case int:
		return NewMarketID(int64(v)), true
	case int64:
		return NewMarketID(v), true
	default:
		return "", false
	}
}

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a quote or fill.
type Side string

const (
	Bid Side = "bid" // buy
	Ask Side = "ask" // sell
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Role classifies a fill from our own perspective.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// FillSource identifies which component produced a fill event for the ledger.
type FillSource string

const (
	SourceAccountListener FillSource = "account_listener"
	SourceHedger          FillSource = "hedger"
	SourceBackfill        FillSource = "backfill"
)

// TimeInForce enumerates order lifecycles accepted by CreateLimitOrder.
type TimeInForce string

const (
	TIFGoodTilCancel TimeInForce = "GTC"
	TIFImmediate     TimeInForce = "IOC"
	TIFPostOnly      TimeInForce = "POST_ONLY"
)

// Regime is the maker engine's coarse operating mode.
type Regime string

const (
	RegimeAggressive Regime = "aggressive"
	RegimeDefensive  Regime = "defensive"
)

// TrendBias says which side(s) the maker engine is allowed to quote.
type TrendBias string

const (
	BiasBoth TrendBias = "both"
	BiasAsk  TrendBias = "ask_only"
	BiasBid  TrendBias = "bid_only"
)

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderAck is returned by the exchange client on a successful placement.
type OrderAck struct {
	ClientOrderID int64
	TxHash        string
}

// OpenOrder is a locally tracked resting order, owned by MakerEngine and,
// for its own passive clips, Hedger.
type OpenOrder struct {
	ClientOrderID int64
	Market        MarketID
	Side          Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	ReduceOnly    bool
	PlacedAt      time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Fills and the ledger
// ————————————————————————————————————————————————————————————————————————

// FillEvent is the immutable unit of record appended to the metrics ledger.
// Field order is not significant on disk; on read, absent fields default to
// their zero value.
type FillEvent struct {
	// ID is assigned by the ledger on append when the venue has not yet
	// supplied a trade_id (hedger- and backfill-sourced entries).
	ID          string           `json:"id,omitempty"`
	Timestamp   float64          `json:"timestamp"` // unix seconds
	Market      MarketID         `json:"market"`
	Role        Role             `json:"role"`
	Side        Side             `json:"side"`
	Size        decimal.Decimal  `json:"size"`
	Price       decimal.Decimal  `json:"price"`
	Notional    decimal.Decimal  `json:"notional"`
	BaseDelta   decimal.Decimal  `json:"base_delta"`
	QuoteDelta  decimal.Decimal  `json:"quote_delta"`
	FeePaid     decimal.Decimal  `json:"fee_paid"`
	MidPrice    *decimal.Decimal `json:"mid_price,omitempty"`
	TradeID     string           `json:"trade_id,omitempty"`
	Source      FillSource       `json:"source"`
	FeeCurrency string           `json:"fee_currency,omitempty"`
}

// Validate checks the per-fill invariants from the data model: |base_delta|
// equals size, sign(base_delta) matches side, quote_delta is the
// opposite-signed product, and notional is non-negative.
func (f FillEvent) Validate() error {
	if f.Size.IsNegative() {
		return fmt.Errorf("fill: negative size %s", f.Size)
	}
	wantSign := 1
	if f.Side == Ask {
		wantSign = -1
	}
	gotSign := f.BaseDelta.Sign()
	if gotSign != 0 && gotSign != wantSign {
		return fmt.Errorf("fill: base_delta sign %d does not match side %s", gotSign, f.Side)
	}
	if !f.BaseDelta.Abs().Equal(f.Size) {
		return fmt.Errorf("fill: |base_delta| %s != size %s", f.BaseDelta.Abs(), f.Size)
	}
	wantQuoteDelta := f.BaseDelta.Neg().Mul(f.Price)
	if !f.QuoteDelta.Equal(wantQuoteDelta) {
		return fmt.Errorf("fill: quote_delta %s != -base_delta*price %s", f.QuoteDelta, wantQuoteDelta)
	}
	if f.Notional.IsNegative() {
		return fmt.Errorf("fill: negative notional %s", f.Notional)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire shapes — market-data channel
// ————————————————————————————————————————————————————————————————————————

// WSSubscribeFrame is the outbound subscription message for both feeds.
type WSSubscribeFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

// WSPingPong is the minimal ping/pong envelope both feeds exchange.
type WSPingPong struct {
	Type string `json:"type"`
}

// MarketStatsEntry is one element of the market_stats frame shape.
type MarketStatsEntry struct {
	MarketID   any    `json:"market_id"`
	MarkPrice  string `json:"mark_price"`
	MarkPriceC string `json:"markPrice"`
	Mid        string `json:"mid"`
	IndexPrice string `json:"index_price"`
	LastPrice  string `json:"last_price"`
}

// DataEntry is one element of the data[] or top-level-array frame shapes.
type DataEntry struct {
	Market     any    `json:"market"`
	MarketID   any    `json:"market_id"`
	MarkPrice  string `json:"mark_price"`
	MarkPriceC string `json:"markPrice"`
	Mid        string `json:"mid"`
	IndexPrice string `json:"index_price"`
	LastPrice  string `json:"last_price"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire shapes — account channel
// ————————————————————————————————————————————————————————————————————————

// TradeEntry is one fill reported on the private account_all/<id> channel.
type TradeEntry struct {
	MarketID   any    `json:"market_id"`
	BaseAmount string `json:"base_amount"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	Side       string `json:"side"`
	Timestamp  any    `json:"timestamp"`
	AskAccount int64  `json:"ask_account_id"`
	BidAccount int64  `json:"bid_account_id"`
	IsMakerAsk bool   `json:"is_maker_ask"`
	TradeID    string `json:"trade_id"`
}

// PositionEntry is one market's entry inside a positions snapshot frame.
type PositionEntry struct {
	Position    string  `json:"position"`
	Sign        *int    `json:"sign,omitempty"`
	RealizedPnL *string `json:"realized_pnl,omitempty"`
	Unrealized  *string `json:"unrealized_pnl,omitempty"`
}

// AccountFrame is the private-channel envelope. Trades may arrive as either
// a list or a map of id to entry list, so it is decoded permissively by the
// listener rather than via a fixed struct tag.
type AccountFrame struct {
	Channel   string                   `json:"channel"`
	Trades    any                      `json:"trades,omitempty"`
	Positions map[string]PositionEntry `json:"positions,omitempty"`
}
