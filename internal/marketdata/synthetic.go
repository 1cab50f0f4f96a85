package marketdata

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"lighter-mm/pkg/types"
)

// generator produces a deterministic drifting mid: a slow sinusoid layered
// with a bounded random walk, anchored at a configured starting price. It
// exists so the bot keeps quoting (at a synthetic, clearly-degraded mid)
// rather than stalling entirely when the exchange's market-data feed is
// unreachable for an extended period.
type generator struct {
	anchor float64
	walk   float64
	phase  float64
	rng    *rand.Rand
}

func newGenerator(anchor float64, seed int64) *generator {
	return &generator{anchor: anchor, rng: rand.New(rand.NewSource(seed))}
}

// next advances the generator one step and returns the new synthetic mid.
// The random walk is bounded to +/-2% of the anchor so synthetic mode can't
// drift into an implausible price.
func (g *generator) next() float64 {
	g.phase += 0.05
	sinusoid := g.anchor * 0.01 * math.Sin(g.phase)

	step := (g.rng.Float64() - 0.5) * g.anchor * 0.002
	g.walk += step
	bound := g.anchor * 0.02
	if g.walk > bound {
		g.walk = bound
	}
	if g.walk < -bound {
		g.walk = -bound
	}

	return g.anchor + sinusoid + g.walk
}

// runSynthetic emits synthetic mids for every tracked market at the
// configured interval until ctx is cancelled. This fallback is permanent
// for the process lifetime: Run never falls back to dialing WS again once
// this is entered.
func (l *Listener) runSynthetic(ctx context.Context) error {
	anchor := l.cfg.SyntheticAnchor
	if anchor <= 0 {
		anchor = 1.0
	}
	interval := time.Duration(l.cfg.SyntheticIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	l.tel.IncCounter("marketdata_synthetic_mode_entered")

	gens := make(map[types.MarketID]*generator, len(l.markets))
	for i, m := range l.markets {
		gens[m] = newGenerator(anchor, int64(i)+1)
	}
	if len(gens) == 0 {
		gens[types.NewMarketID(0)] = newGenerator(anchor, 1)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for market, gen := range gens {
				mid := decimal.NewFromFloat(gen.next())
				l.store.SetMid(market, mid)
				l.maybeLog(market, mid)
				l.tel.Touch("ws")
			}
		}
	}
}
