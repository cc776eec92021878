// Package webhook manages the bridge's outbound WebSocket connection to
// the webhook endpoint (the connection hub).
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawrelay/clawrelay/bridge/internal/eventbus"
	"github.com/clawrelay/clawrelay/pkg/backoff"
)

// ErrNotConnected is returned when a send is attempted with no live
// socket. Callers drop rather than queue.
var ErrNotConnected = errors.New("not connected to webhook")

const (
	reconnectBase    = 2 * time.Second
	reconnectMax     = 30 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Client maintains a persistent connection to the webhook endpoint,
// identifying itself with the bridge UID as a query parameter. Inbound
// frames are published on the bus.
type Client struct {
	rawURL string
	uid    string
	bus    *eventbus.Bus
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a webhook client. The UID is mandatory: the hub
// rejects anonymous connections.
func NewClient(rawURL, uid string, bus *eventbus.Bus, logger *slog.Logger) (*Client, error) {
	if uid == "" {
		return nil, errors.New("webhook uid required")
	}
	return &Client{
		rawURL: rawURL,
		uid:    uid,
		bus:    bus,
		logger: logger.With("component", "webhook-client"),
	}, nil
}

// UID returns the bridge's connection identity.
func (c *Client) UID() string {
	return c.uid
}

// Run connects and keeps the connection alive until ctx is canceled,
// reconnecting with doubling backoff.
func (c *Client) Run(ctx context.Context) error {
	var delay time.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		connected, err := c.connectOnce(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("webhook connection failed", "error", err)
		}
		if connected {
			delay = 0
		}

		delay = backoff.Next(delay, reconnectBase, reconnectMax)
		c.logger.Info("reconnecting to webhook", "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) (connected bool, err error) {
	wsURL := c.dialURL()
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial webhook: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("connected to webhook", "uid", c.uid)
	c.bus.PublishFrame(eventbus.WebhookConnected, nil)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.bus.PublishFrame(eventbus.WebhookDisconnected, nil)
	}()

	// Closing the conn on cancellation is the only way to unblock a
	// pending ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.shutdownConn(conn)
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read webhook: %w", err)
		}
		c.bus.PublishFrame(eventbus.WebhookMessage, msg)
	}
}

// shutdownConn sends the close frame under the send mutex, then tears
// the socket down so the read loop returns.
func (c *Client) shutdownConn(conn *websocket.Conn) {
	c.mu.Lock()
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
	c.mu.Unlock()
	conn.Close()
}

// dialURL appends the uid query parameter to the configured URL.
func (c *Client) dialURL() string {
	sep := "?"
	if strings.Contains(c.rawURL, "?") {
		sep = "&"
	}
	return c.rawURL + sep + "uid=" + url.QueryEscape(c.uid)
}

// Send writes a raw frame to the webhook. Fails fast with
// ErrNotConnected when no socket is live.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write webhook: %w", err)
	}
	return nil
}
