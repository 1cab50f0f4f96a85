// Package state implements the process-wide in-memory StateStore: the
// single owner of mids, inventory, open orders, fee/PnL accumulators,
// flags, and guard-block markers shared across MarketDataListener,
// AccountListener, MakerEngine, Hedger, and SafetyGuard.
//
// Each logical region (mids, inventory, orders, accumulators, flags,
// guard-blocks) is protected by its own short-critical-section mutex,
// generalizing a per-struct locking style (one mu guarding reports/
// price-anchors/kill-state, another guarding a single position) into one
// store with several independent regions. No operation here performs I/O
// while holding a lock.
package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/pkg/types"
)

// OpenOrderInfo is the data stored per open order id.
type OpenOrderInfo = types.OpenOrder

// Store is the single owner of mutable process-wide state.
type Store struct {
	midsMu sync.RWMutex
	mids   map[types.MarketID]decimal.Decimal

	invMu     sync.RWMutex
	inventory map[types.MarketID]decimal.Decimal

	ordersMu sync.RWMutex
	orders   map[int64]OpenOrderInfo

	accMu               sync.Mutex
	makerNotional       decimal.Decimal
	takerNotional       decimal.Decimal
	makerFeeActual      decimal.Decimal
	makerFeePremium     decimal.Decimal
	takerFeeActual      decimal.Decimal
	takerFeePremium     decimal.Decimal
	realizedQuote       decimal.Decimal
	makerEdgeTotal      decimal.Decimal
	takerSlippageTotal  decimal.Decimal

	flagsMu sync.RWMutex
	flags   map[string]bool

	guardMu     sync.RWMutex
	guardBlocks map[types.MarketID]time.Time

	identMu      sync.RWMutex
	accountIndex int64
}

// New creates an empty StateStore.
func New() *Store {
	return &Store{
		mids:        make(map[types.MarketID]decimal.Decimal),
		inventory:   make(map[types.MarketID]decimal.Decimal),
		orders:      make(map[int64]OpenOrderInfo),
		flags:       make(map[string]bool),
		guardBlocks: make(map[types.MarketID]time.Time),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Mid book
// ————————————————————————————————————————————————————————————————————————

// SetMid records the latest observed mid for a market.
func (s *Store) SetMid(market types.MarketID, price decimal.Decimal) {
	s.midsMu.Lock()
	defer s.midsMu.Unlock()
	s.mids[market] = price
}

// GetMid returns the latest mid for a market. ok is false when no data has
// been observed yet — a valid state, not an error.
func (s *Store) GetMid(market types.MarketID) (decimal.Decimal, bool) {
	s.midsMu.RLock()
	defer s.midsMu.RUnlock()
	p, ok := s.mids[market]
	return p, ok
}

// ————————————————————————————————————————————————————————————————————————
// Inventory book
// ————————————————————————————————————————————————————————————————————————

// SetInventory overwrites the per-market inventory, used by position
// snapshot frames which are authoritative.
func (s *Store) SetInventory(market types.MarketID, value decimal.Decimal) {
	s.invMu.Lock()
	defer s.invMu.Unlock()
	s.inventory[market] = value
}

// UpdateInventory applies a signed delta, used by the per-fill branch.
func (s *Store) UpdateInventory(market types.MarketID, delta decimal.Decimal) decimal.Decimal {
	s.invMu.Lock()
	defer s.invMu.Unlock()
	cur := s.inventory[market]
	next := cur.Add(delta)
	s.inventory[market] = next
	return next
}

// GetInventory returns the current inventory for a market (zero if absent).
func (s *Store) GetInventory(market types.MarketID) decimal.Decimal {
	s.invMu.RLock()
	defer s.invMu.RUnlock()
	return s.inventory[market]
}

// AllInventory returns a snapshot copy of the full inventory map.
func (s *Store) AllInventory() map[types.MarketID]decimal.Decimal {
	s.invMu.RLock()
	defer s.invMu.RUnlock()
	out := make(map[types.MarketID]decimal.Decimal, len(s.inventory))
	for k, v := range s.inventory {
		out[k] = v
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Open-order book
// ————————————————————————————————————————————————————————————————————————

// AddOrder tracks a newly placed order.
func (s *Store) AddOrder(id int64, info OpenOrderInfo) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	s.orders[id] = info
}

// RemoveOrder removes a tracked order, returning its info if present.
func (s *Store) RemoveOrder(id int64) (OpenOrderInfo, bool) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	info, ok := s.orders[id]
	if ok {
		delete(s.orders, id)
	}
	return info, ok
}

// GetOrders returns a snapshot of all tracked orders for a market, or all
// orders if market is empty.
func (s *Store) GetOrders(market types.MarketID) map[int64]OpenOrderInfo {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	out := make(map[int64]OpenOrderInfo)
	for id, info := range s.orders {
		if market == "" || info.Market == market {
			out[id] = info
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Fee / PnL accumulators
// ————————————————————————————————————————————————————————————————————————

// RecordVolumeSample adds notional and fee amounts to the running per-role
// totals. Monotonically increasing by absolute value.
func (s *Store) RecordVolumeSample(role types.Role, notional, feeActual, feePremium decimal.Decimal) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	switch role {
	case types.RoleMaker:
		s.makerNotional = s.makerNotional.Add(notional)
		s.makerFeeActual = s.makerFeeActual.Add(feeActual)
		s.makerFeePremium = s.makerFeePremium.Add(feePremium)
	case types.RoleTaker:
		s.takerNotional = s.takerNotional.Add(notional)
		s.takerFeeActual = s.takerFeeActual.Add(feeActual)
		s.takerFeePremium = s.takerFeePremium.Add(feePremium)
	}
}

// RecordMakerEdge accumulates realized maker-side price improvement.
func (s *Store) RecordMakerEdge(value decimal.Decimal) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	s.makerEdgeTotal = s.makerEdgeTotal.Add(value)
}

// RecordTakerSlippage accumulates taker-side slippage cost (non-negative).
func (s *Store) RecordTakerSlippage(value decimal.Decimal) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	s.takerSlippageTotal = s.takerSlippageTotal.Add(value.Abs())
}

// RecordCashFlow accumulates signed realized cash flow (quote_delta net of
// fees) for the running realized-cash accounting.
func (s *Store) RecordCashFlow(quoteDelta, feeActual decimal.Decimal) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	s.realizedQuote = s.realizedQuote.Add(quoteDelta).Sub(feeActual)
}

// Accumulators is a read-only snapshot of the fee/PnL accumulators, exposed
// to telemetry.
type Accumulators struct {
	MakerNotional      decimal.Decimal
	TakerNotional      decimal.Decimal
	MakerFeeActual     decimal.Decimal
	MakerFeePremium    decimal.Decimal
	TakerFeeActual     decimal.Decimal
	TakerFeePremium    decimal.Decimal
	RealizedQuote      decimal.Decimal
	MakerEdgeTotal     decimal.Decimal
	TakerSlippageTotal decimal.Decimal
}

// GetAccumulators returns a read-only snapshot.
func (s *Store) GetAccumulators() Accumulators {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	return Accumulators{
		MakerNotional:      s.makerNotional,
		TakerNotional:      s.takerNotional,
		MakerFeeActual:     s.makerFeeActual,
		MakerFeePremium:    s.makerFeePremium,
		TakerFeeActual:     s.takerFeeActual,
		TakerFeePremium:    s.takerFeePremium,
		RealizedQuote:      s.realizedQuote,
		MakerEdgeTotal:     s.makerEdgeTotal,
		TakerSlippageTotal: s.takerSlippageTotal,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Flags
// ————————————————————————————————————————————————————————————————————————

// SetFlag sets a named boolean flag — used, among other things, to let the
// regime switcher tell the hedger to use the defensive regime's cooldown
// in place of its own while defensive.
func (s *Store) SetFlag(name string, value bool) {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	s.flags[name] = value
}

// GetFlag reads a named boolean flag (false if never set).
func (s *Store) GetFlag(name string) bool {
	s.flagsMu.RLock()
	defer s.flagsMu.RUnlock()
	return s.flags[name]
}

// ————————————————————————————————————————————————————————————————————————
// Guard blocks
// ————————————————————————————————————————————————————————————————————————

// MarkGuardBlocked records that SafetyGuard has been denying admission for
// a market since ts.
func (s *Store) MarkGuardBlocked(market types.MarketID, ts time.Time) {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	if _, exists := s.guardBlocks[market]; !exists {
		s.guardBlocks[market] = ts
	}
}

// ClearGuardBlock clears a market's guard-block marker.
func (s *Store) ClearGuardBlock(market types.MarketID) {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	delete(s.guardBlocks, market)
}

// GetGuardBlockSince returns when the guard block began, if active.
func (s *Store) GetGuardBlockSince(market types.MarketID) (time.Time, bool) {
	s.guardMu.RLock()
	defer s.guardMu.RUnlock()
	ts, ok := s.guardBlocks[market]
	return ts, ok
}

// ————————————————————————————————————————————————————————————————————————
// Account identity
// ————————————————————————————————————————————————————————————————————————

// SetAccountIndex records our own account index. AccountListener does not
// read it; it classifies fills with the account index it was built with.
func (s *Store) SetAccountIndex(id int64) {
	s.identMu.Lock()
	defer s.identMu.Unlock()
	s.accountIndex = id
}

// GetAccountIndex returns our own account index.
func (s *Store) GetAccountIndex() int64 {
	s.identMu.RLock()
	defer s.identMu.RUnlock()
	return s.accountIndex
}
