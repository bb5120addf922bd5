// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/carpool-chat/internal/chat"
	"github.com/Tyrowin/carpool-chat/internal/config"
	"github.com/Tyrowin/carpool-chat/internal/metrics"
)

// Client represents a WebSocket connection. It is the transport behind one
// chat session: inbound frames are handed to the session, and payloads the
// session receives from its room are queued on the send channel.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	addr        string
	ws          config.WSConfig
	rateLimit   config.RateLimitConfig
	rateLimiter *rateLimiter
	joinLimiter *rateLimiter
	session     *chat.Session
	log         *zap.Logger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

// NewClient creates a Client for conn. The session is attached by the
// handler once the peer identity is known.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.WS.MaxMessageSize)
	}

	return &Client{
		conn:        conn,
		send:        make(chan []byte, cfg.WS.SendBuffer),
		hub:         hub,
		addr:        addr,
		ws:          cfg.WS,
		rateLimit:   cfg.RateLimit,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		joinLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		log:         log.With(zap.String("remote", addr)),
		metrics:     m,
	}
}

// Send queues payload for the write pump without blocking. A full buffer
// drops the payload for this client only.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("send buffer full; dropping payload", zap.Int("buffer", cap(c.send)))
		return errSendBufferFull
	}
}

// IsOpen reports whether the client still accepts payloads.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// closeSend closes the send channel once, which stops the write pump.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.PongWait)); err != nil {
		c.log.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.PongWait)); err != nil {
			c.log.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError logs a read failure at a level matching how expected it is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", zap.Int64("limit", c.ws.MaxMessageSize))

	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("client disconnected", zap.Error(err))

	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("client connection closed", zap.Error(err))

	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected WebSocket close", zap.Error(err))

	default:
		c.log.Warn("WebSocket read error", zap.Error(err))
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed. Join frames draw
// from their own bucket so a chat flood cannot lock a client out of a room.
func (c *Client) checkRateLimit(raw []byte) bool {
	limiter, kind := c.rateLimiter, "message"
	if chat.PeekType(raw) == chat.TypeJoin {
		limiter, kind = c.joinLimiter, chat.TypeJoin
	}
	if limiter != nil && !limiter.allow() {
		c.metrics.EnvelopesDiscarded.WithLabelValues(metrics.ReasonRateLimited).Inc()
		c.log.Warn("rate limit exceeded; discarding message",
			zap.String("kind", kind),
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

func (c *Client) readPump() {
	ctx := context.Background()

	defer func() {
		c.session.Close(ctx)
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit(rawMessage) {
			continue
		}

		// Bad envelopes are counted and logged by the session; the
		// connection stays open.
		_ = c.session.HandleMessage(ctx, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.ws.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("error closing connection in writePump", zap.Error(err))
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if !ok {
		return c.writeCloseMessage()
	}

	if !c.writeTextMessage(message) {
		return false
	}
	return c.writeQueuedMessages()
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error writing close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes one payload as its own text frame. Payloads are
// JSON documents, so frames are never coalesced.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait)); err != nil {
		c.log.Warn("error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// writeQueuedMessages flushes payloads that were queued while writing.
func (c *Client) writeQueuedMessages() bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		message, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if !c.writeTextMessage(message) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait)); err != nil {
		c.log.Warn("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("error writing ping message", zap.Error(err))
		return false
	}
	return true
}
