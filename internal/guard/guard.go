// Package guard implements SafetyGuard: a stateless admission predicate
// that MakerEngine consults before every order placement.
//
// The three core rules (crossed-book, price-band, inventory-cap) are a
// risk manager's limit checks made stateless and pushed down to per-tick
// evaluation instead of an async-reported aggregate; the fourth rule,
// self-trade protection, is folded in here rather than kept as a separate
// component, since it is evaluated at exactly the same point in the tick.
package guard

import (
	"fmt"

	"github.com/shopspring/decimal"

	"lighter-mm/pkg/types"
)

// Config holds the tunables for the three documented rules plus the
// supplemented self-trade rule.
type Config struct {
	PriceBandBps          decimal.Decimal
	CrossedBookProtection bool
	MaxPositionUnits      decimal.Decimal
	MaxInventoryNotional  decimal.Decimal
	SelfTradeProtection   bool
}

// OpenOrderView is the minimal view of a resting order the self-trade rule
// needs: side and price, keyed by nothing in particular here since the
// guard receives the full per-market slice already filtered by the caller.
type OpenOrderView struct {
	Side  types.Side
	Price decimal.Decimal
}

// Guard evaluates admission for a candidate (bid, ask) quote pair.
type Guard struct {
	cfg Config
}

// New builds a Guard from config.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

const bpsDivisor = 10000

// IsAllowed evaluates the crossed-book, price-band and self-trade rules
// against a candidate quote pair for a market; the inventory-cap rule is
// checked separately by InventoryAllowed. The first failing rule is returned as the string reason; an
// empty reason means the pair was admitted. restingOrders is our own
// currently-tracked open orders for this market, consulted only by the
// self-trade rule.
//
// The crossed-book check (bid >= ask) is unconditional: spec.md §4.5 rule 1
// denies it regardless of configuration, and Testable Property 2 requires
// it to hold for all inputs. CrossedBookProtection only gates the third
// return value, killSwitch, which tells the caller whether to additionally
// escalate — the config flag is about the escalation action, not about
// whether the check itself runs.
func (g *Guard) IsAllowed(mid, bid, ask decimal.Decimal, marketMid decimal.Decimal, restingOrders []OpenOrderView) (allowed bool, reason string, killSwitch bool) {
	if bid.GreaterThanOrEqual(ask) {
		return false, fmt.Sprintf("crossed book: bid %s >= ask %s", bid, ask), g.cfg.CrossedBookProtection
	}

	band := g.cfg.PriceBandBps.Div(decimal.NewFromInt(bpsDivisor))
	lowerBound := mid.Mul(decimal.NewFromInt(1).Sub(band))
	upperBound := mid.Mul(decimal.NewFromInt(1).Add(band))
	if bid.LessThan(lowerBound) {
		return false, fmt.Sprintf("bid %s below price band floor %s", bid, lowerBound), false
	}
	if ask.GreaterThan(upperBound) {
		return false, fmt.Sprintf("ask %s above price band ceiling %s", ask, upperBound), false
	}

	if g.cfg.SelfTradeProtection {
		for _, o := range restingOrders {
			if o.Side == types.Bid && ask.LessThanOrEqual(o.Price) {
				return false, fmt.Sprintf("self-trade: ask %s would cross own bid at %s", ask, o.Price), false
			}
			if o.Side == types.Ask && bid.GreaterThanOrEqual(o.Price) {
				return false, fmt.Sprintf("self-trade: bid %s would cross own ask at %s", bid, o.Price), false
			}
		}
	}

	return true, "", false
}

// InventoryAllowed checks the inventory-cap rule independently, since
// MakerEngine evaluates it once per tick rather than per candidate pair.
// refMid prefers the market's own mid, falling back to the mid passed to
// the tick when the market has no mid recorded yet.
func (g *Guard) InventoryAllowed(inventory, refMid decimal.Decimal) (bool, string) {
	abs := inventory.Abs()
	if g.cfg.MaxPositionUnits.IsPositive() && abs.GreaterThan(g.cfg.MaxPositionUnits) {
		return false, fmt.Sprintf("inventory %s exceeds max_position_units %s", abs, g.cfg.MaxPositionUnits)
	}
	notional := abs.Mul(refMid)
	if g.cfg.MaxInventoryNotional.IsPositive() && notional.GreaterThan(g.cfg.MaxInventoryNotional) {
		return false, fmt.Sprintf("inventory notional %s exceeds max_inventory_notional %s", notional, g.cfg.MaxInventoryNotional)
	}
	return true, ""
}
