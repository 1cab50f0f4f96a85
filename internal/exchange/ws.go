// ws.go implements a generic reconnecting WebSocket dialer shared by
// MarketDataListener (public market-data channel) and AccountListener
// (private per-account channel).
//
// Both consumers need the same lifecycle: dial, send a subscription frame,
// read frames until the connection goes idle or errors, then reconnect with
// exponential backoff. What differs between them is how a frame is decoded
// and routed, so Conn exposes raw []byte frames over a channel rather than
// typed events — this venue's frame shapes are tolerant and
// listener-specific, so routing lives in the consumer packages.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	PingInterval     = 50 * time.Second // how often we send a ping frame
	MaxReconnectWait = 30 * time.Second // cap on exponential backoff
	WriteTimeout     = 10 * time.Second // deadline for outgoing messages
	FrameBufferSize  = 256              // buffered inbound frames before drop
)

// Conn manages a single reconnecting WebSocket connection. It dials,
// resubscribes, and reads frames until ctx is cancelled; Run never returns
// before then except on cancellation.
type Conn struct {
	url         string
	idleTimeout time.Duration
	subscribe   func(*Conn) error // called once per successful dial

	conn   *websocket.Conn
	connMu sync.Mutex

	frames chan []byte

	logger *slog.Logger
}

// NewConn builds a Conn. subscribe is invoked after every successful dial
// (including reconnects) to (re-)send whatever subscription frames the
// caller needs; it should use Conn.WriteJSON.
func NewConn(url string, idleTimeout time.Duration, subscribe func(*Conn) error, logger *slog.Logger) *Conn {
	return &Conn{
		url:         url,
		idleTimeout: idleTimeout,
		subscribe:   subscribe,
		frames:      make(chan []byte, FrameBufferSize),
		logger:      logger,
	}
}

// Frames returns the channel of raw inbound frame payloads.
func (c *Conn) Frames() <-chan []byte { return c.frames }

// Run connects and maintains the connection with exponential backoff
// (1s doubling to a 30s cap). Blocks until ctx is cancelled. Callers that
// need to observe per-attempt failures (to drive a fallback policy, e.g.
// MarketDataListener's synthetic mode) should call Dial directly instead
// and manage their own backoff loop.
func (c *Conn) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := c.Dial(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > MaxReconnectWait {
			backoff = MaxReconnectWait
		}
	}
}

// WriteJSON sends one JSON frame on the current connection.
func (c *Conn) WriteJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Conn) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.WriteMessage(msgType, data)
}

// Dial performs one connect-subscribe-read cycle, blocking until the
// connection errors, goes idle past idleTimeout, or ctx is cancelled.
func (c *Conn) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if c.subscribe != nil {
		if err := c.subscribe(c); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	c.logger.Info("websocket connected", "url", c.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	idle := c.idleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(idle))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		select {
		case c.frames <- msg:
		default:
			c.logger.Warn("frame channel full, dropping frame")
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
