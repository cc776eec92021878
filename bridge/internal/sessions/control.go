package sessions

import (
	"encoding/json"
	"fmt"
)

// Admin frame types carried over the webhook socket for session
// management.
const (
	AdminGet    = "session.get"
	AdminList   = "session.list"
	AdminReset  = "session.reset"
	AdminDelete = "session.delete"
)

// AdminMessage is an inbound session admin frame. Key and ID are
// alternative ways to name the target session.
type AdminMessage struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
	ID   string `json:"id,omitempty"`
}

// TargetKey returns the session key the frame addresses.
func (m *AdminMessage) TargetKey() string {
	if m.Key != "" {
		return m.Key
	}
	return m.ID
}

// Info is the per-session payload of get/list responses.
type Info struct {
	Key             string           `json:"key"`
	SessionID       string           `json:"sessionId"`
	UpdatedAt       int64            `json:"updatedAt"`
	DeliveryContext *DeliveryContext `json:"deliveryContext,omitempty"`
	LastChannel     string           `json:"lastChannel,omitempty"`
	LastTo          string           `json:"lastTo,omitempty"`
}

// ListResult is the payload of a session.list response.
type ListResult struct {
	Sessions []Info `json:"sessions"`
	Count    int    `json:"count"`
}

// IsAdminMessage reports whether raw is a session admin frame.
func IsAdminMessage(raw []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	switch probe.Type {
	case AdminGet, AdminList, AdminReset, AdminDelete:
		return true
	}
	return false
}

// ParseAdminMessage decodes a session admin frame.
func ParseAdminMessage(raw []byte) (*AdminMessage, error) {
	var msg AdminMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("parse session admin frame: %w", err)
	}
	return &msg, nil
}

// BuildAdminResponse encodes a {type, data} response frame.
func BuildAdminResponse(msgType string, data any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": msgType,
		"data": data,
	})
}
