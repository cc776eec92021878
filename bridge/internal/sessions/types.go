// Package sessions persists conversation state for the bridge: which
// gateway session each webhook peer maps to, and the delivery context
// needed to route responses back.
package sessions

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scope controls how incoming messages are grouped into sessions.
type Scope string

const (
	// ScopePerSender keeps a separate session per webhook sender.
	ScopePerSender Scope = "per-sender"
	// ScopeGlobal funnels every message into one shared session.
	ScopeGlobal Scope = "global"
)

// DeliveryContext records where responses for a session should go.
type DeliveryContext struct {
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Entry is the stored state of one session. Timestamps are Unix
// milliseconds.
type Entry struct {
	SessionID string `json:"sessionId"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`

	DeliveryContext *DeliveryContext `json:"deliveryContext,omitempty"`
	LastChannel     string           `json:"lastChannel,omitempty"`
	LastTo          string           `json:"lastTo,omitempty"`
	LastAccountID   string           `json:"lastAccountId,omitempty"`
	LastThreadID    string           `json:"lastThreadId,omitempty"`

	WebhookMessageID string `json:"webhookMessageId,omitempty"`
	WebhookSessionID string `json:"webhookSessionId,omitempty"`
}

// StoreConfig configures the file-backed store.
type StoreConfig struct {
	// Path is the JSON store file.
	Path string
	// CacheTTL bounds how long an in-memory snapshot is trusted.
	// Zero disables caching.
	CacheTTL time.Duration
	// LockTimeout bounds how long a writer waits for the advisory lock.
	LockTimeout time.Duration
}

// DefaultStoreConfig returns the store defaults for the given path.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{
		Path:        path,
		CacheTTL:    45 * time.Second,
		LockTimeout: 10 * time.Second,
	}
}

// NewSessionID returns a fresh unique session identifier.
func NewSessionID() string {
	return fmt.Sprintf("sess_%s", uuid.NewString())
}
