// Package gateway manages the bridge's outbound WebSocket connection to
// the agent gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawrelay/clawrelay/bridge/internal/eventbus"
	"github.com/clawrelay/clawrelay/pkg/backoff"
	"github.com/clawrelay/clawrelay/pkg/protocol"
)

// ErrNotConnected is returned when a send is attempted with no Ready
// connection.
var ErrNotConnected = errors.New("not connected to gateway")

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateAwaitingHandshake State = "awaiting-handshake"
	StateReady             State = "ready"
)

const (
	connectRequestID = "connect"
	protocolVersion  = 3
	handshakeTimeout = 10 * time.Second
	readyWait        = 5 * time.Second
	requestTimeout   = 5 * time.Second
	reconnectBase    = time.Second
	reconnectMax     = 30 * time.Second
)

// Options configures a gateway client.
type Options struct {
	URL      string
	Token    string
	AgentID  string
	ClientID string
	Version  string
}

// Client maintains a persistent connection to the gateway. Inbound
// events are published on the bus; requests go out through SendAgentRequest
// and SendApproval. The connection is Ready only after the gateway has
// acknowledged the connect handshake.
type Client struct {
	opts   Options
	bus    *eventbus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	readyCh chan struct{} // closed when state becomes Ready

	pendingMu sync.Mutex
	pending   map[string]chan protocol.GatewayResponse
}

// NewClient creates a gateway client publishing to bus.
func NewClient(opts Options, bus *eventbus.Bus, logger *slog.Logger) *Client {
	if opts.ClientID == "" {
		opts.ClientID = "clawrelay-bridge"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Client{
		opts:    opts,
		bus:     bus,
		logger:  logger.With("component", "gateway-client"),
		state:   StateDisconnected,
		readyCh: make(chan struct{}),
		pending: make(map[string]chan protocol.GatewayResponse),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and keeps the connection alive until ctx is canceled.
// Reconnects use doubling backoff that resets after each successful
// handshake.
func (c *Client) Run(ctx context.Context) error {
	var delay time.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ready, err := c.connectOnce(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("gateway connection failed", "error", err)
		}
		if ready {
			delay = 0
		}

		delay = backoff.Next(delay, reconnectBase, reconnectMax)
		c.logger.Info("reconnecting to gateway", "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectOnce dials, handshakes, and reads until the connection drops.
// It reports whether the handshake reached Ready at least once.
func (c *Client) connectOnce(ctx context.Context) (ready bool, err error) {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return false, fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateAwaitingHandshake
	c.mu.Unlock()

	defer func() {
		c.setState(StateDisconnected)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.failPending()
		c.bus.PublishFrame(eventbus.GatewayDisconnected, nil)
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

	if err := c.sendHandshake(conn); err != nil {
		return false, fmt.Errorf("send handshake: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ready, ctx.Err()
			}
			return ready, fmt.Errorf("read gateway: %w", err)
		}

		if res, ok := decodeResponse(msg); ok {
			if res.ID == connectRequestID {
				if !res.OK {
					return ready, fmt.Errorf("gateway rejected handshake: %s", res.Error)
				}
				c.setState(StateReady)
				ready = true
				c.logger.Info("gateway handshake complete", "url", c.opts.URL)
				c.bus.PublishFrame(eventbus.GatewayConnected, nil)
				continue
			}
			c.resolvePending(res)
			continue
		}

		// Everything else is an event stream frame for the bridge.
		c.bus.PublishFrame(eventbus.GatewayEvent, msg)
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

// sendHandshake writes the connect request. The gateway's response to
// id "connect" drives the transition to Ready.
func (c *Client) sendHandshake(conn *websocket.Conn) error {
	req := protocol.GatewayRequest{
		Type:   "req",
		ID:     connectRequestID,
		Method: "connect",
		Params: protocol.ConnectParams{
			MinProtocol: protocolVersion,
			MaxProtocol: protocolVersion,
			Client: protocol.ClientInfo{
				ID:       c.opts.ClientID,
				Version:  c.opts.Version,
				Platform: runtime.GOOS,
				Mode:     "backend",
			},
			Role:      "operator",
			Scopes:    []string{"operator.read", "operator.write", "operator.admin"},
			Auth:      protocol.ConnectAuth{Token: c.opts.Token},
			UserAgent: c.opts.ClientID + "/" + c.opts.Version,
		},
	}
	// Shares the send mutex with shutdownConn; gorilla permits only one
	// concurrent writer.
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.WriteJSON(req)
}

func decodeResponse(msg []byte) (protocol.GatewayResponse, bool) {
	var res protocol.GatewayResponse
	if err := json.Unmarshal(msg, &res); err != nil {
		return res, false
	}
	return res, res.Type == protocol.ControlRes && res.ID != ""
}

// SendAgentRequest forwards a user message to the gateway as an agent
// request. It waits a bounded time for the connection to be Ready and
// then returns ErrNotConnected rather than queueing.
func (c *Client) SendAgentRequest(ctx context.Context, message, sessionKey string) error {
	req := protocol.GatewayRequest{
		Type:   "req",
		ID:     "agent:" + uuid.NewString(),
		Method: "agent",
		Params: protocol.AgentParams{
			Message:        message,
			AgentID:        c.opts.AgentID,
			SessionKey:     sessionKey,
			Deliver:        true,
			IdempotencyKey: uuid.NewString(),
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal agent request: %w", err)
	}
	return c.send(ctx, data)
}

// SendApproval answers a pending approval request and waits for the
// gateway's acknowledgement.
func (c *Client) SendApproval(ctx context.Context, requestID string, approved bool) error {
	params := map[string]any{
		"requestId": requestID,
		"approved":  approved,
	}
	res, err := c.sendRequestAndWait(ctx, "approval.respond", params)
	if err != nil {
		return fmt.Errorf("send approval: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("approval rejected: %s", res.Error)
	}
	return nil
}

// sendRequestAndWait correlates a request with its response by id.
func (c *Client) sendRequestAndWait(ctx context.Context, method string, params any) (protocol.GatewayResponse, error) {
	id := method + ":" + uuid.NewString()
	respCh := make(chan protocol.GatewayResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := protocol.GatewayRequest{Type: "req", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.GatewayResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	if err := c.send(ctx, data); err != nil {
		return protocol.GatewayResponse{}, err
	}

	select {
	case res, ok := <-respCh:
		if !ok {
			return protocol.GatewayResponse{}, ErrNotConnected
		}
		return res, nil
	case <-time.After(requestTimeout):
		return protocol.GatewayResponse{}, fmt.Errorf("%s: response timeout", method)
	case <-ctx.Done():
		return protocol.GatewayResponse{}, ctx.Err()
	}
}

func (c *Client) resolvePending(res protocol.GatewayResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[res.ID]
	c.pendingMu.Unlock()
	if ok {
		select {
		case ch <- res:
		default:
		}
	}
}

// failPending closes all pending response channels so waiters observe
// the disconnect instead of timing out.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// send writes raw data once the connection is Ready, waiting up to
// readyWait for the handshake.
func (c *Client) send(ctx context.Context, data []byte) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write gateway: %w", err)
	}
	return nil
}

// waitReady blocks until the handshake completes, the wait times out,
// or ctx is canceled.
func (c *Client) waitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.readyCh
	state := c.state
	c.mu.Unlock()
	if state == StateReady {
		return nil
	}

	select {
	case <-ready:
		return nil
	case <-time.After(readyWait):
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	if s == StateReady {
		close(c.readyCh)
	} else if prev == StateReady {
		c.readyCh = make(chan struct{})
	}
	c.logger.Debug("gateway state", "from", prev, "to", s)
}
