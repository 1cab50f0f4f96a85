package types

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderClient is the capability every component that places or cancels
// orders depends on. Implemented by internal/exchange.Client; MakerEngine
// and Hedger share a single instance, so implementations must serialize
// their own nonce/client-order-id allocation internally.
type OrderClient interface {
	CreatePostOnlyLimit(ctx context.Context, market MarketID, side Side, price, size decimal.Decimal, reduceOnly bool) (OrderAck, error)
	CreateLimitOrder(ctx context.Context, market MarketID, side Side, price, size decimal.Decimal, reduceOnly, postOnly bool, tif TimeInForce) (OrderAck, error)
	CancelOrder(ctx context.Context, market MarketID, clientOrderID int64) error
}

// Telemetry is the capability every component reports gauges, counters, and
// liveness heartbeats through. Implemented by internal/telemetry.PromTelemetry.
type Telemetry interface {
	SetGauge(name string, v float64, labels ...string)
	IncCounter(name string, labels ...string)
	Touch(heartbeat string)
}

// Alerter is the capability components use to page an operator. Implemented
// by internal/alert.WebhookAlerter.
type Alerter interface {
	Fire(severity string, msg string, fields map[string]any)
}
