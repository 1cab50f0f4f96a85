// Package exchange implements the REST client that satisfies the
// OrderClient capability interface MakerEngine and Hedger depend on.
//
// Client wraps a resty HTTP client with rate limiting, retry, and HMAC
// request signing: a resty base client with per-category token-bucket rate
// limiting and retry on 5xx/network errors, shaped around this venue's
// plain limit-order POST/DELETE surface.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"lighter-mm/internal/config"
	"lighter-mm/pkg/types"
)

// Client is the REST API client for placing and cancelling orders.
type Client struct {
	http       *resty.Client
	auth       *Auth
	rl         *RateLimiter
	dryRun     bool
	priceScale int64
	sizeScale  int64
	nonce      int64 // monotonic, serialized via atomic increment
	logger     *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry. The
// price/size quantization scales come from cfg.Maker, since the
// quantization rule is keyed to the configured market, not a fixed constant.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	priceScale := cfg.Maker.PriceScale
	if priceScale <= 0 {
		priceScale = 100
	}
	sizeScale := cfg.Maker.SizeScale
	if sizeScale <= 0 {
		sizeScale = 100
	}

	return &Client{
		http:       httpClient,
		auth:       auth,
		rl:         NewRateLimiter(),
		dryRun:     cfg.DryRun,
		priceScale: priceScale,
		sizeScale:  sizeScale,
		logger:     logger.With("component", "exchange"),
	}
}

// orderRequest is the REST payload for both post-only and generic limit
// order placement.
type orderRequest struct {
	MarketIndex   int64  `json:"market_index"`
	Side          string `json:"side"`
	Price         int64  `json:"price"`  // quantized by price_scale
	Size          int64  `json:"size"`   // quantized by size_scale
	ReduceOnly    bool   `json:"reduce_only"`
	PostOnly      bool   `json:"post_only"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID int64  `json:"client_order_id"`
	Nonce         int64  `json:"nonce"`
}

type orderResponse struct {
	ClientOrderID int64  `json:"client_order_id"`
	TxHash        string `json:"tx_hash"`
}

// quantize multiplies a decimal by scale and rounds half-up to an integer,
// per the "both must yield a positive integer" quantization rule.
func quantize(value decimal.Decimal, scale int64) (int64, error) {
	scaled := value.Mul(decimal.NewFromInt(scale)).Round(0)
	n := scaled.IntPart()
	if n <= 0 {
		return 0, fmt.Errorf("quantized value %s (scale %d) is not positive", value, scale)
	}
	return n, nil
}

func (c *Client) nextClientOrderID() int64 {
	return atomic.AddInt64(&c.nonce, 1)
}

// CreatePostOnlyLimit places a post-only limit order. Returns the new
// order's ack. The nonce and client-order-id allocation are serialized via
// atomic increment so concurrent callers (MakerEngine and Hedger sharing
// this client) never collide.
func (c *Client) CreatePostOnlyLimit(ctx context.Context, market types.MarketID, side types.Side, price, size decimal.Decimal, reduceOnly bool) (types.OrderAck, error) {
	return c.createOrder(ctx, market, side, price, size, reduceOnly, true, types.TIFPostOnly)
}

// CreateLimitOrder places a general limit order with the given time-in-force.
func (c *Client) CreateLimitOrder(ctx context.Context, market types.MarketID, side types.Side, price, size decimal.Decimal, reduceOnly, postOnly bool, tif types.TimeInForce) (types.OrderAck, error) {
	return c.createOrder(ctx, market, side, price, size, reduceOnly, postOnly, tif)
}

func (c *Client) createOrder(ctx context.Context, market types.MarketID, side types.Side, price, size decimal.Decimal, reduceOnly, postOnly bool, tif types.TimeInForce) (types.OrderAck, error) {
	idx, err := market.Index()
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("create order: %w", err)
	}

	clientOrderID := c.nextClientOrderID()

	if c.dryRun {
		c.logger.Info("dry-run: would place order",
			"market", market, "side", side, "price", price, "size", size,
			"client_order_id", clientOrderID)
		return types.OrderAck{ClientOrderID: clientOrderID, TxHash: "dry-run"}, nil
	}

	priceQ, err := quantize(price, c.priceScale)
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("create order: quantize price: %w", err)
	}
	sizeQ, err := quantize(size, c.sizeScale)
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("create order: quantize size: %w", err)
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderAck{}, err
	}

	req := orderRequest{
		MarketIndex:   idx,
		Side:          string(side),
		Price:         priceQ,
		Size:          sizeQ,
		ReduceOnly:    reduceOnly,
		PostOnly:      postOnly,
		TimeInForce:   string(tif),
		ClientOrderID: clientOrderID,
		Nonce:         clientOrderID,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("marshal order: %w", err)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers("POST", "/orders", string(body))).
		SetBody(req).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderAck{}, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return types.OrderAck{ClientOrderID: clientOrderID, TxHash: result.TxHash}, nil
}

// CancelOrder cancels a single resting order.
func (c *Client) CancelOrder(ctx context.Context, market types.MarketID, clientOrderID int64) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel order", "market", market, "client_order_id", clientOrderID)
		return nil
	}
	idx, err := market.Index()
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"market_index":%d,"client_order_id":%d}`, idx, clientOrderID)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers("DELETE", "/orders", body)).
		SetBody(json.RawMessage(body)).
		Delete("/orders")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
