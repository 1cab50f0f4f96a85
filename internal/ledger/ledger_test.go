package ledger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"lighter-mm/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleFill(n int) types.FillEvent {
	size := decimal.NewFromInt(int64(n))
	price := decimal.NewFromInt(100)
	return types.FillEvent{
		Timestamp:  float64(n),
		Market:     types.NewMarketID(1),
		Role:       types.RoleMaker,
		Side:       types.Bid,
		Size:       size,
		Price:      price,
		Notional:   size.Mul(price),
		BaseDelta:  size,
		QuoteDelta: size.Neg().Mul(price),
		FeePaid:    decimal.Zero,
		Source:     types.SourceAccountListener,
	}
}

func TestLedgerAppendAndIterRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "fills.jsonl"), filepath.Join(dir, "archive"), 1<<20, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	l.Append(sampleFill(1))
	l.Append(sampleFill(2))
	l.Append(sampleFill(3))

	events, err := l.IterEvents(0)
	if err != nil {
		t.Fatalf("IterEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		wantTS := float64(i + 1)
		if ev.Timestamp != wantTS {
			t.Errorf("event[%d].Timestamp = %v, want %v", i, ev.Timestamp, wantTS)
		}
		if !ev.Size.Equal(decimal.NewFromInt(int64(i + 1))) {
			t.Errorf("event[%d].Size = %v, want %v", i, ev.Size, i+1)
		}
	}
}

func TestLedgerIterEventsFiltersBySinceTimestamp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "fills.jsonl"), filepath.Join(dir, "archive"), 1<<20, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	l.Append(sampleFill(1))
	l.Append(sampleFill(2))
	l.Append(sampleFill(3))

	events, err := l.IterEvents(2)
	if err != nil {
		t.Fatalf("IterEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (timestamps 2 and 3)", len(events))
	}
}

func TestLedgerIterEventsSkipsMalformedLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "fills.jsonl")
	l, err := Open(path, filepath.Join(dir, "archive"), 1<<20, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	l.Append(sampleFill(1))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteString("{not valid json\n"); err != nil {
		t.Fatalf("write corrupt line: %v", err)
	}
	f.Close()

	l.Append(sampleFill(2))

	events, err := l.IterEvents(0)
	if err != nil {
		t.Fatalf("IterEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (malformed line skipped)", len(events))
	}
}

func TestLedgerRotatesWhenMaxBytesExceeded(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	path := filepath.Join(dir, "fills.jsonl")

	// A tiny max_bytes so the second append forces rotation of the first.
	l, err := Open(path, archiveDir, 10, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	l.Append(sampleFill(1))
	l.Append(sampleFill(2))

	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d archived files, want 1", len(entries))
	}

	// The live file now holds only the event written after rotation.
	events, err := l.IterEvents(0)
	if err != nil {
		t.Fatalf("IterEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d live events after rotation, want 1", len(events))
	}
}

func TestLedgerResetRemovesEmptyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "fills.jsonl")
	archiveDir := filepath.Join(dir, "archive")

	l, err := Open(path, archiveDir, 1<<20, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Touch an empty file into existence.
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create empty ledger file: %v", err)
	}
	f.Close()

	if err := l.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected empty ledger file to be removed by Reset")
	}
}

func TestLedgerResetArchivesNonEmptyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "fills.jsonl")
	archiveDir := filepath.Join(dir, "archive")

	l, err := Open(path, archiveDir, 1<<20, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	l.Append(sampleFill(1))

	if err := l.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected live ledger file to be gone after Reset")
	}

	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d archived files after Reset, want 1", len(entries))
	}

	events, err := l.IterEvents(0)
	if err != nil {
		t.Fatalf("IterEvents after Reset failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no live events after Reset, got %d", len(events))
	}
}

func TestLedgerReadsBackFieldsAfterRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "fills.jsonl"), filepath.Join(dir, "archive"), 1<<20, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	want := sampleFill(7)
	want.TradeID = "trade-abc"
	want.FeeCurrency = "USDC"
	l.Append(want)

	events, err := l.IterEvents(0)
	if err != nil {
		t.Fatalf("IterEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	got := events[0]
	if got.Market != want.Market || got.TradeID != want.TradeID || got.FeeCurrency != want.FeeCurrency {
		t.Errorf("round-tripped fields mismatch: got %+v, want %+v", got, want)
	}
	if !got.Price.Equal(want.Price) || !got.Size.Equal(want.Size) {
		t.Errorf("round-tripped decimals mismatch: got price=%v size=%v, want price=%v size=%v",
			got.Price, got.Size, want.Price, want.Size)
	}
}
