package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawrelay/clawrelay/bridge/internal/eventbus"
	"github.com/clawrelay/clawrelay/pkg/protocol"
)

// fakeGateway is a WebSocket server that acks the connect handshake and
// records every frame it receives.
type fakeGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	requests []protocol.GatewayRequest
	conn     *websocket.Conn
	ackOK    bool
}

func newFakeGateway(t *testing.T, ackOK bool) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{t: t, ackOK: ackOK}
	fg.server = httptest.NewServer(http.HandlerFunc(fg.handle))
	t.Cleanup(fg.server.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.server.URL, "http")
}

func (fg *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fg.mu.Lock()
	fg.conn = conn
	fg.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.GatewayRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		fg.mu.Lock()
		fg.requests = append(fg.requests, req)
		fg.mu.Unlock()

		if req.Method == "connect" {
			res := protocol.GatewayResponse{Type: "res", ID: req.ID, OK: fg.ackOK}
			if !fg.ackOK {
				res.Error = "bad token"
			}
			conn.WriteJSON(res)
		}
	}
}

func (fg *fakeGateway) request(i int) protocol.GatewayRequest {
	fg.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fg.mu.Lock()
		if len(fg.requests) > i {
			req := fg.requests[i]
			fg.mu.Unlock()
			return req
		}
		fg.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	fg.t.Fatalf("request %d never arrived", i)
	return protocol.GatewayRequest{}
}

func (fg *fakeGateway) emit(frame string) {
	fg.mu.Lock()
	conn := fg.conn
	fg.mu.Unlock()
	if conn != nil {
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startClient(t *testing.T, fg *fakeGateway, bus *eventbus.Bus) *Client {
	t.Helper()
	client := NewClient(Options{URL: fg.url(), Token: "tok", AgentID: "main"}, bus, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	return client
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state %s never reached, still %s", want, c.State())
}

func TestClient_ReadyOnlyAfterHandshakeAck(t *testing.T) {
	fg := newFakeGateway(t, true)
	bus := eventbus.New()
	defer bus.Close()

	connected := bus.Subscribe(eventbus.GatewayConnected)
	client := startClient(t, fg, bus)
	waitState(t, client, StateReady)

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("gateway.connected never published")
	}

	req := fg.request(0)
	if req.Method != "connect" || req.ID != "connect" {
		t.Errorf("first frame must be the connect handshake, got %+v", req)
	}
}

func TestClient_RejectedHandshakeNeverReady(t *testing.T) {
	fg := newFakeGateway(t, false)
	bus := eventbus.New()
	defer bus.Close()

	client := startClient(t, fg, bus)
	fg.request(0) // handshake observed

	time.Sleep(100 * time.Millisecond)
	if client.State() == StateReady {
		t.Fatal("client must not reach Ready after a rejected handshake")
	}
}

func TestClient_SendAgentRequest(t *testing.T) {
	fg := newFakeGateway(t, true)
	bus := eventbus.New()
	defer bus.Close()

	client := startClient(t, fg, bus)
	waitState(t, client, StateReady)

	if err := client.SendAgentRequest(context.Background(), "hello", "webhook:m1"); err != nil {
		t.Fatalf("SendAgentRequest: %v", err)
	}

	req := fg.request(1)
	if req.Method != "agent" {
		t.Fatalf("got method %q, want agent", req.Method)
	}
	raw, _ := json.Marshal(req.Params)
	var params protocol.AgentParams
	if err := json.Unmarshal(raw, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.Message != "hello" || params.SessionKey != "webhook:m1" || params.AgentID != "main" {
		t.Errorf("unexpected params: %+v", params)
	}
	if !params.Deliver {
		t.Error("agent requests must set deliver")
	}
	if params.IdempotencyKey == "" {
		t.Error("missing idempotency key")
	}
}

func TestClient_IdempotencyKeysUnique(t *testing.T) {
	fg := newFakeGateway(t, true)
	bus := eventbus.New()
	defer bus.Close()

	client := startClient(t, fg, bus)
	waitState(t, client, StateReady)

	for i := 0; i < 2; i++ {
		if err := client.SendAgentRequest(context.Background(), "same message", "k"); err != nil {
			t.Fatalf("SendAgentRequest %d: %v", i, err)
		}
	}

	var keys []string
	for _, i := range []int{1, 2} {
		raw, _ := json.Marshal(fg.request(i).Params)
		var params protocol.AgentParams
		json.Unmarshal(raw, &params)
		keys = append(keys, params.IdempotencyKey)
	}
	if keys[0] == keys[1] {
		t.Fatalf("idempotency key reused: %q", keys[0])
	}
}

func TestClient_EventsPublishedVerbatim(t *testing.T) {
	fg := newFakeGateway(t, true)
	bus := eventbus.New()
	defer bus.Close()

	events := bus.Subscribe(eventbus.GatewayEvent)
	client := startClient(t, fg, bus)
	waitState(t, client, StateReady)

	frame := `{"type":"event","event":"agent","data":{"text":"hi"}}`
	fg.emit(frame)

	select {
	case e := <-events:
		if string(e.Data) != frame {
			t.Errorf("event reshaped in transit: %s", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("gateway event never published")
	}
}

func TestClient_RunReturnsOnCancelWhileIdle(t *testing.T) {
	fg := newFakeGateway(t, true)
	bus := eventbus.New()
	defer bus.Close()

	client := NewClient(Options{URL: fg.url(), Token: "tok", AgentID: "main"}, bus, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()
	waitState(t, client, StateReady)

	// cancel with the socket idle: the blocked read must be unstuck
	cancel()
	select {
	case err := <-runDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run still blocked after cancel")
	}
}

func TestClient_SendWithoutConnection(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()

	client := NewClient(Options{URL: "ws://127.0.0.1:1", Token: "tok", AgentID: "main"}, bus, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := client.SendAgentRequest(ctx, "hello", "k")
	if err == nil {
		t.Fatal("expected an error with no live connection")
	}
}
