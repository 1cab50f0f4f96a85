package state

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/pkg/types"
)

func TestMidBookSetAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	market := types.NewMarketID(1)

	if _, ok := s.GetMid(market); ok {
		t.Fatal("expected no mid before any SetMid call")
	}

	s.SetMid(market, decimal.NewFromFloat(100.5))
	got, ok := s.GetMid(market)
	if !ok {
		t.Fatal("expected mid to be present after SetMid")
	}
	if !got.Equal(decimal.NewFromFloat(100.5)) {
		t.Errorf("GetMid = %v, want 100.5", got)
	}
}

func TestUpdateInventoryAccumulatesSignedDeltas(t *testing.T) {
	t.Parallel()
	s := New()
	market := types.NewMarketID(1)

	next := s.UpdateInventory(market, decimal.NewFromInt(5))
	if !next.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("first delta: got %v, want 5", next)
	}
	next = s.UpdateInventory(market, decimal.NewFromInt(-2))
	if !next.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("second delta: got %v, want 3", next)
	}
	if got := s.GetInventory(market); !got.Equal(decimal.NewFromInt(3)) {
		t.Errorf("GetInventory = %v, want 3", got)
	}
}

func TestSetInventoryOverwritesRatherThanAccumulates(t *testing.T) {
	t.Parallel()
	s := New()
	market := types.NewMarketID(1)

	s.UpdateInventory(market, decimal.NewFromInt(5))
	s.SetInventory(market, decimal.NewFromInt(-10))

	if got := s.GetInventory(market); !got.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("GetInventory after SetInventory = %v, want -10", got)
	}
}

func TestAllInventoryReturnsIndependentSnapshot(t *testing.T) {
	t.Parallel()
	s := New()
	m1, m2 := types.NewMarketID(1), types.NewMarketID(2)
	s.UpdateInventory(m1, decimal.NewFromInt(1))
	s.UpdateInventory(m2, decimal.NewFromInt(2))

	snap := s.AllInventory()
	if len(snap) != 2 {
		t.Fatalf("got %d markets, want 2", len(snap))
	}
	snap[m1] = decimal.NewFromInt(999)
	if got := s.GetInventory(m1); !got.Equal(decimal.NewFromInt(1)) {
		t.Error("mutating the returned snapshot must not affect store state")
	}
}

func TestUpdateInventoryConcurrentDeltasSumCorrectly(t *testing.T) {
	t.Parallel()
	s := New()
	market := types.NewMarketID(1)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s.UpdateInventory(market, decimal.NewFromInt(1))
		}()
	}
	wg.Wait()

	if got := s.GetInventory(market); !got.Equal(decimal.NewFromInt(n)) {
		t.Errorf("concurrent UpdateInventory total = %v, want %d", got, n)
	}
}

func TestOrderBookAddRemoveAndFilterByMarket(t *testing.T) {
	t.Parallel()
	s := New()
	m1, m2 := types.NewMarketID(1), types.NewMarketID(2)

	s.AddOrder(1, types.OpenOrder{ClientOrderID: 1, Market: m1, Side: types.Bid})
	s.AddOrder(2, types.OpenOrder{ClientOrderID: 2, Market: m2, Side: types.Ask})
	s.AddOrder(3, types.OpenOrder{ClientOrderID: 3, Market: m1, Side: types.Ask})

	allM1 := s.GetOrders(m1)
	if len(allM1) != 2 {
		t.Fatalf("got %d orders for m1, want 2", len(allM1))
	}

	everything := s.GetOrders("")
	if len(everything) != 3 {
		t.Fatalf("got %d orders with empty market filter, want 3", len(everything))
	}

	info, ok := s.RemoveOrder(2)
	if !ok {
		t.Fatal("expected RemoveOrder(2) to find the order")
	}
	if info.Market != m2 {
		t.Errorf("removed order market = %v, want %v", info.Market, m2)
	}
	if _, ok := s.RemoveOrder(2); ok {
		t.Error("expected second RemoveOrder(2) to report not-found")
	}
	if len(s.GetOrders("")) != 2 {
		t.Error("expected 2 remaining orders after removal")
	}
}

func TestAccumulatorsSeparateMakerAndTakerTotals(t *testing.T) {
	t.Parallel()
	s := New()

	s.RecordVolumeSample(types.RoleMaker, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(2))
	s.RecordVolumeSample(types.RoleTaker, decimal.NewFromInt(50), decimal.NewFromInt(3), decimal.NewFromInt(4))
	s.RecordMakerEdge(decimal.NewFromFloat(0.5))
	s.RecordTakerSlippage(decimal.NewFromFloat(-0.3))
	s.RecordCashFlow(decimal.NewFromInt(10), decimal.NewFromInt(1))

	acc := s.GetAccumulators()
	if !acc.MakerNotional.Equal(decimal.NewFromInt(100)) {
		t.Errorf("MakerNotional = %v, want 100", acc.MakerNotional)
	}
	if !acc.TakerNotional.Equal(decimal.NewFromInt(50)) {
		t.Errorf("TakerNotional = %v, want 50", acc.TakerNotional)
	}
	if !acc.MakerEdgeTotal.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("MakerEdgeTotal = %v, want 0.5", acc.MakerEdgeTotal)
	}
	if !acc.TakerSlippageTotal.Equal(decimal.NewFromFloat(0.3)) {
		t.Errorf("TakerSlippageTotal should be absolute value: got %v, want 0.3", acc.TakerSlippageTotal)
	}
	if !acc.RealizedQuote.Equal(decimal.NewFromInt(9)) {
		t.Errorf("RealizedQuote = %v, want 9 (10 - 1 fee)", acc.RealizedQuote)
	}
}

func TestFlagsDefaultFalseUntilSet(t *testing.T) {
	t.Parallel()
	s := New()

	if s.GetFlag("regime_defensive") {
		t.Fatal("unset flag should read false")
	}
	s.SetFlag("regime_defensive", true)
	if !s.GetFlag("regime_defensive") {
		t.Error("flag should read true after being set")
	}
	s.SetFlag("regime_defensive", false)
	if s.GetFlag("regime_defensive") {
		t.Error("flag should read false after being cleared")
	}
}

func TestGuardBlockMarksOnlyOnFirstCall(t *testing.T) {
	t.Parallel()
	s := New()
	market := types.NewMarketID(1)

	first := time.Now()
	s.MarkGuardBlocked(market, first)
	s.MarkGuardBlocked(market, first.Add(time.Hour))

	got, ok := s.GetGuardBlockSince(market)
	if !ok {
		t.Fatal("expected guard block to be present")
	}
	if !got.Equal(first) {
		t.Errorf("GetGuardBlockSince = %v, want the first-call timestamp %v", got, first)
	}

	s.ClearGuardBlock(market)
	if _, ok := s.GetGuardBlockSince(market); ok {
		t.Error("expected guard block to be cleared")
	}
}

func TestAccountIndexRoundTrip(t *testing.T) {
	t.Parallel()
	s := New()
	if got := s.GetAccountIndex(); got != 0 {
		t.Fatalf("default account index = %d, want 0", got)
	}
	s.SetAccountIndex(42)
	if got := s.GetAccountIndex(); got != 42 {
		t.Errorf("GetAccountIndex = %d, want 42", got)
	}
}
