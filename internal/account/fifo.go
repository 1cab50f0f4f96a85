package account

import (
	"container/list"
	"sync"

	"github.com/shopspring/decimal"

	"lighter-mm/pkg/types"
)

// lot is one entry in a per-market FIFO inventory queue: a signed
// remaining size (positive = long lot, negative = short lot) opened at a
// fixed price.
type lot struct {
	size  decimal.Decimal
	price decimal.Decimal
}

// fifoBook tracks per-market FIFO lots and cumulative realized PnL. Each
// node holds one immutable (size, price) pair that is replaced rather than
// mutated in place as it's consumed, favoring immutable per-node lots over
// in-place shrinking.
type fifoBook struct {
	mu       sync.Mutex
	lots     map[types.MarketID]*list.List
	realized map[types.MarketID]decimal.Decimal
}

func newFIFOBook() *fifoBook {
	return &fifoBook{
		lots:     make(map[types.MarketID]*list.List),
		realized: make(map[types.MarketID]decimal.Decimal),
	}
}

// Apply records a fill's base delta against the market's FIFO queue,
// subtracts fee from the running realized total, and returns the market's
// new cumulative realized PnL. A remainder (when the fill fully consumes
// the opposing queue, or the queue is empty/same-signed) opens a new lot.
func (b *fifoBook) Apply(market types.MarketID, baseDelta, price, fee decimal.Decimal) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()

	if baseDelta.IsZero() {
		return b.realized[market]
	}

	queue, ok := b.lots[market]
	if !ok {
		queue = list.New()
		b.lots[market] = queue
	}

	remaining := baseDelta
	realized := decimal.Zero

	for remaining.Sign() != 0 && queue.Len() > 0 {
		front := queue.Front()
		fl := front.Value.(*lot)

		if sameSign(fl.size, remaining) {
			break
		}

		matched := decimal.Min(remaining.Abs(), fl.size.Abs())

		if fl.size.IsPositive() {
			realized = realized.Add(price.Sub(fl.price).Mul(matched))
		} else {
			realized = realized.Add(fl.price.Sub(price).Mul(matched))
		}

		newLotSize := fl.size.Sub(signOf(fl.size).Mul(matched))
		queue.Remove(front)
		if !newLotSize.IsZero() {
			queue.PushFront(&lot{size: newLotSize, price: fl.price})
		}

		remaining = remaining.Sub(signOf(remaining).Mul(matched))
	}

	if !remaining.IsZero() {
		queue.PushBack(&lot{size: remaining, price: price})
	}

	b.realized[market] = b.realized[market].Add(realized).Sub(fee)
	return b.realized[market]
}

// Realized returns the cumulative realized PnL for a market.
func (b *fifoBook) Realized(market types.MarketID) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realized[market]
}

func sameSign(a, b decimal.Decimal) bool {
	return a.Sign() != 0 && b.Sign() != 0 && a.Sign() == b.Sign()
}

func signOf(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}
