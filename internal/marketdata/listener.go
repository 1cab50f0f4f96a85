// Package marketdata implements MarketDataListener: the WebSocket consumer
// that maintains a best-effort mid price for every tracked market.
//
// It runs a reconnect/backoff/ping loop on top of the shared exchange.Conn
// dialer, paired with a tolerant frame router for this venue's several
// mid-price frame shapes, plus a permanent synthetic-mode fallback for
// environments with no live feed to connect to.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/internal/config"
	"lighter-mm/internal/exchange"
	"lighter-mm/internal/state"
	"lighter-mm/pkg/types"
)

// Listener runs the market-data WebSocket feed (or its synthetic fallback)
// for the lifetime of the process.
type Listener struct {
	cfg      config.WSConfig
	channels []string
	markets  []types.MarketID
	store    *state.Store
	tel      types.Telemetry
	logger   *slog.Logger

	capture *os.File

	// connected is set by the subscribe callback on every successful dial
	// and swapped back by Run's failure accounting. Atomic because the
	// consume goroutine also resubscribes on a "connected" frame.
	connected atomic.Bool

	lastLogMu sync.Mutex
	lastLog   map[types.MarketID]time.Time
}

// New builds a Listener. channels is the set of channel names to subscribe
// to, already resolved from config (global market-stats plus one channel
// per tracked market: the maker's pair and, when set, the hedger's). markets is
// the same set of markets expressed as canonical MarketIDs, used to seed
// the synthetic fallback generator if WS connectivity is lost permanently.
func New(cfg config.WSConfig, channels []string, markets []types.MarketID, store *state.Store, tel types.Telemetry, logger *slog.Logger) *Listener {
	l := &Listener{
		cfg:      cfg,
		channels: channels,
		markets:  markets,
		store:    store,
		tel:      tel,
		logger:   logger.With("component", "marketdata"),
		lastLog:  make(map[types.MarketID]time.Time),
	}
	if cfg.CaptureFile != "" {
		f, err := os.OpenFile(cfg.CaptureFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			l.logger.Warn("open capture file failed", "error", err)
		} else {
			l.capture = f
		}
	}
	return l
}

// Run drives the listener until ctx is cancelled. It dials the configured
// WebSocket URL with exponential backoff; after max_failures consecutive
// dial/read failures it switches to synthetic mode permanently for the rest
// of the process lifetime, with no upgrade back to WS.
func (l *Listener) Run(ctx context.Context) error {
	if l.capture != nil {
		defer l.capture.Close()
	}

	maxFailures := l.cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}

	conn := exchange.NewConn(l.cfg.URL, l.cfg.IdleTimeout, l.subscribe, l.logger)

	backoff := time.Second
	failures := 0

	go l.consume(ctx, conn)

	for {
		err := conn.Dial(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A completed subscribe means this attempt did connect, so the
		// consecutive-failure count that trips synthetic mode restarts:
		// this disconnect counts as the first failure, earlier ones no
		// longer count.
		if l.connected.Swap(false) {
			failures = 0
			backoff = time.Second
		}

		failures++
		l.logger.Warn("market data connection failed", "error", err, "consecutive_failures", failures)

		if failures >= maxFailures {
			l.logger.Warn("max_failures reached, switching to synthetic mode permanently")
			return l.runSynthetic(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > exchange.MaxReconnectWait {
			backoff = exchange.MaxReconnectWait
		}
	}
}

func (l *Listener) subscribe(conn *exchange.Conn) error {
	for _, ch := range l.channels {
		frame := types.WSSubscribeFrame{Type: "subscribe", Channel: ch}
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	l.connected.Store(true)
	return nil
}

// consume reads frames off conn and routes them until ctx is cancelled.
// Runs as its own goroutine for the lifetime of Run, since a fresh Conn
// reuses the same Frames() channel across reconnects.
func (l *Listener) consume(ctx context.Context, conn *exchange.Conn) {
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
}

func (l *Listener) handleFrame(conn *exchange.Conn, raw []byte) {
	if l.capture != nil {
		l.capture.Write(raw)
		l.capture.Write([]byte("\n"))
	}
	l.tel.Touch("ws")

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if !json.Valid(raw) {
			l.logger.Debug("ignoring non-json ws frame", "error", err)
			return
		}
		// A top-level array has no "type" envelope; it goes to the router.
	}

	switch envelope.Type {
	case "connected":
		l.logger.Info("market data server acknowledged connection")
		if err := l.subscribe(conn); err != nil {
			l.logger.Warn("resubscribe after connected frame failed", "error", err)
		}
		return
	case "ping":
		if err := conn.WriteJSON(types.WSPingPong{Type: "pong"}); err != nil {
			l.logger.Warn("pong reply failed", "error", err)
		}
		return
	case "pong":
		return
	}

	for _, entry := range extractEntries(raw) {
		l.applyEntry(entry)
	}
}

type entry struct {
	marketRaw any
	mid       decimal.Decimal
	ok        bool
}

// extractEntries implements the tolerant router over the four documented
// frame shapes: market_stats array, data array, data object with
// updates/markets/rows, or a bare top-level array.
func extractEntries(raw []byte) []entry {
	var asMarketStats struct {
		MarketStats []types.MarketStatsEntry `json:"market_stats"`
	}
	if err := json.Unmarshal(raw, &asMarketStats); err == nil && len(asMarketStats.MarketStats) > 0 {
		return statsEntries(asMarketStats.MarketStats)
	}

	var asDataArray struct {
		Data []types.DataEntry `json:"data"`
	}
	if err := json.Unmarshal(raw, &asDataArray); err == nil && len(asDataArray.Data) > 0 {
		return dataEntries(asDataArray.Data)
	}

	var asDataObject struct {
		Data struct {
			Updates []types.DataEntry `json:"updates"`
			Markets []types.DataEntry `json:"markets"`
			Rows    []types.DataEntry `json:"rows"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &asDataObject); err == nil {
		if len(asDataObject.Data.Updates) > 0 {
			return dataEntries(asDataObject.Data.Updates)
		}
		if len(asDataObject.Data.Markets) > 0 {
			return dataEntries(asDataObject.Data.Markets)
		}
		if len(asDataObject.Data.Rows) > 0 {
			return dataEntries(asDataObject.Data.Rows)
		}
	}

	var asArray []types.DataEntry
	if err := json.Unmarshal(raw, &asArray); err == nil && len(asArray) > 0 {
		return dataEntries(asArray)
	}

	return nil
}

func statsEntries(in []types.MarketStatsEntry) []entry {
	out := make([]entry, 0, len(in))
	for _, e := range in {
		mid, ok := selectMid(e.MarkPrice, e.MarkPriceC, e.Mid, e.IndexPrice, e.LastPrice)
		out = append(out, entry{marketRaw: e.MarketID, mid: mid, ok: ok})
	}
	return out
}

func dataEntries(in []types.DataEntry) []entry {
	out := make([]entry, 0, len(in))
	for _, e := range in {
		marketRaw := e.Market
		if marketRaw == nil {
			marketRaw = e.MarketID
		}
		mid, ok := selectMid(e.MarkPrice, e.MarkPriceC, e.Mid, e.IndexPrice, e.LastPrice)
		out = append(out, entry{marketRaw: marketRaw, mid: mid, ok: ok})
	}
	return out
}

// selectMid implements the documented selection order: mark_price ->
// markPrice -> mid; otherwise the midpoint of index_price and last_price
// when both are present.
func selectMid(markPrice, markPriceCamel, mid, indexPrice, lastPrice string) (decimal.Decimal, bool) {
	if v, ok := parseDecimal(markPrice); ok {
		return v, true
	}
	if v, ok := parseDecimal(markPriceCamel); ok {
		return v, true
	}
	if v, ok := parseDecimal(mid); ok {
		return v, true
	}
	idx, idxOK := parseDecimal(indexPrice)
	last, lastOK := parseDecimal(lastPrice)
	if idxOK && lastOK {
		return idx.Add(last).Div(decimal.NewFromInt(2)), true
	}
	return decimal.Zero, false
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}

func (l *Listener) applyEntry(e entry) {
	if !e.ok {
		return
	}
	market, ok := types.NormalizeMarketID(e.marketRaw)
	if !ok {
		l.logger.Debug("unrecognized market id in frame", "raw", e.marketRaw)
		return
	}

	l.store.SetMid(market, e.mid)
	l.maybeLog(market, e.mid)
}

func (l *Listener) maybeLog(market types.MarketID, mid decimal.Decimal) {
	interval := l.cfg.LogInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	l.lastLogMu.Lock()
	defer l.lastLogMu.Unlock()
	if last, ok := l.lastLog[market]; ok && time.Since(last) < interval {
		return
	}
	l.lastLog[market] = time.Now()
	l.logger.Info("mid updated", "market", market, "mid", mid)
}
