package account

import (
	"testing"

	"github.com/shopspring/decimal"

	"lighter-mm/pkg/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFIFOBookOpensLotOnFirstFill(t *testing.T) {
	t.Parallel()

	b := newFIFOBook()
	market := types.NewMarketID(1)

	got := b.Apply(market, d("10"), d("100"), d("0"))
	if !got.IsZero() {
		t.Fatalf("realized = %s, want 0 on opening fill", got)
	}
}

func TestFIFOBookClosesOpposingLotForProfit(t *testing.T) {
	t.Parallel()

	b := newFIFOBook()
	market := types.NewMarketID(1)

	b.Apply(market, d("10"), d("100"), d("0")) // buy 10 @ 100
	got := b.Apply(market, d("-10"), d("110"), d("0")) // sell 10 @ 110

	want := d("100") // (110-100)*10
	if !got.Equal(want) {
		t.Fatalf("realized = %s, want %s", got, want)
	}
}

func TestFIFOBookPartialCloseLeavesRemainder(t *testing.T) {
	t.Parallel()

	b := newFIFOBook()
	market := types.NewMarketID(1)

	b.Apply(market, d("10"), d("100"), d("0"))
	got := b.Apply(market, d("-4"), d("105"), d("0")) // close 4 of 10

	want := d("20") // (105-100)*4
	if !got.Equal(want) {
		t.Fatalf("realized = %s, want %s", got, want)
	}

	// Remaining 6 long @ 100 should still be open; closing it fully next confirms FIFO price carried over.
	got = b.Apply(market, d("-6"), d("90"), d("0"))
	want = d("20").Add(d("-60")) // previous cumulative + (90-100)*6
	if !got.Equal(want) {
		t.Fatalf("realized after second close = %s, want %s", got, want)
	}
}

func TestFIFOBookSubtractsFeeFromRealized(t *testing.T) {
	t.Parallel()

	b := newFIFOBook()
	market := types.NewMarketID(1)

	b.Apply(market, d("10"), d("100"), d("1")) // opening fill still pays fee
	got := b.Apply(market, d("-10"), d("110"), d("2"))

	want := d("100").Sub(d("1")).Sub(d("2"))
	if !got.Equal(want) {
		t.Fatalf("realized = %s, want %s", got, want)
	}
}

func TestFIFOBookShortSideSymmetry(t *testing.T) {
	t.Parallel()

	b := newFIFOBook()
	market := types.NewMarketID(1)

	b.Apply(market, d("-5"), d("50"), d("0")) // sell short 5 @ 50
	got := b.Apply(market, d("5"), d("40"), d("0")) // buy back @ 40

	want := d("50") // (50-40)*5
	if !got.Equal(want) {
		t.Fatalf("realized = %s, want %s", got, want)
	}
}

func TestFIFOBookMatchesAcrossMultipleLots(t *testing.T) {
	t.Parallel()

	b := newFIFOBook()
	market := types.NewMarketID(1)

	b.Apply(market, d("1"), d("100"), d("0"))
	b.Apply(market, d("1"), d("102"), d("0"))

	// Sells through the whole 100-lot and half the 102-lot:
	// (104-100)*1 + (104-102)*0.5 = 5.
	got := b.Apply(market, d("-1.5"), d("104"), d("0"))
	if !got.Equal(d("5")) {
		t.Fatalf("realized = %s, want 5", got)
	}

	// The 0.5 remainder of the 102-lot closes at a loss:
	// 5 + (99-102)*0.5 = 3.5 cumulative.
	got = b.Apply(market, d("-0.5"), d("99"), d("0"))
	if !got.Equal(d("3.5")) {
		t.Fatalf("cumulative realized = %s, want 3.5", got)
	}
}
