// Package protocol defines the wire frames exchanged between the webhook
// endpoint, the connection hub, the bridge, and the agent gateway.
//
// All frames are JSON-encoded. Webhook-facing frames are discriminated by a
// "type" field; gateway-facing frames use the req/res envelope the gateway
// protocol expects.
package protocol

import "encoding/json"

// --- Webhook-facing frames (client ↔ hub ↔ bridge) ---

// WebhookMessage is an inbound conversation turn from the webhook side.
// Only ID and Content are required; the peer/chat/thread fields are richer
// addressing hints some front ends provide and feed session-key derivation.
type WebhookMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Session string `json:"session,omitempty"`

	PeerKind string `json:"peerKind,omitempty"`
	PeerID   string `json:"peerId,omitempty"`
	ChatType string `json:"chatType,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
	SenderID string `json:"senderId,omitempty"`
	TopicID  string `json:"topicId,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// Response frame types sent back toward the webhook client.
const (
	ResponseProgress = "progress"
	ResponseComplete = "complete"
	ResponseError    = "error"
)

// WebhookResponse is a bridge→client frame discriminated by Type.
type WebhookResponse struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	Session string `json:"session,omitempty"`
}

// Control frame types that are transport signaling, never conversation
// content. Frames carrying one of these types are dropped at the bridge's
// inbound boundary.
const (
	ControlConnected = "connected"
	ControlError     = "error"
	ControlEvent     = "event"
	ControlRes       = "res"
)

// IsControlType reports whether t is a transport-level control marker.
func IsControlType(t string) bool {
	switch t {
	case ControlConnected, ControlError, ControlEvent, ControlRes:
		return true
	}
	return false
}

// --- Gateway-facing frames (bridge ↔ agent gateway) ---

// GatewayRequest is the req envelope for all gateway methods.
type GatewayRequest struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// ConnectParams is the handshake payload for the "connect" method. A
// successful response must be observed before any agent request is sent.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Auth        ConnectAuth `json:"auth"`
	Locale      string      `json:"locale,omitempty"`
	UserAgent   string      `json:"userAgent,omitempty"`
}

// ClientInfo identifies the connecting client to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries the opaque gateway token.
type ConnectAuth struct {
	Token string `json:"token"`
}

// AgentParams is the payload for the "agent" method.
type AgentParams struct {
	Message        string `json:"message"`
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// GatewayResponse is a correlated response to a GatewayRequest.
type GatewayResponse struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Hub API bodies ---

// BroadcastRequest is the body of POST /broadcast.
type BroadcastRequest struct {
	UID  string          `json:"uid"`
	Data json.RawMessage `json:"data"`
}

// BroadcastResult is the response to POST /broadcast.
type BroadcastResult struct {
	Success bool   `json:"success"`
	SentTo  int    `json:"sentTo"`
	UID     string `json:"uid"`
}

// StatsResult is the response to GET /stats.
type StatsResult struct {
	ActiveConnections int            `json:"activeConnections"`
	ConnectionsByUID  map[string]int `json:"connectionsByUID"`
}

// HealthResult is the response to GET /health.
type HealthResult struct {
	Status            string `json:"status"`
	Timestamp         string `json:"timestamp"`
	ActiveConnections int    `json:"activeConnections"`
}

// ErrorBody is the JSON error shape returned for rejected requests, notably
// a WebSocket upgrade attempt without a uid.
type ErrorBody struct {
	Error string `json:"error"`
}
