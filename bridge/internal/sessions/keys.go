package sessions

import (
	"fmt"
	"strings"

	"github.com/clawrelay/clawrelay/pkg/protocol"
	"github.com/google/uuid"
)

// GlobalKey is the shared session key used under ScopeGlobal.
const GlobalKey = "global"

// DefaultResetTriggers are the message prefixes that start a fresh session.
var DefaultResetTriggers = []string{"/new", "/reset"}

// NormalizeKey lowercases and trims a session key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// KeyParams carries the addressing hints used to derive a composite
// session key for peers that provide more than a message id.
type KeyParams struct {
	AgentID  string
	PeerKind string
	PeerID   string
	TopicID  string
	ThreadID string
}

// BuildPeerKey builds a composite key webhook:{agent}:{peerKind}:{peerId}
// with optional topic and thread suffixes. It reports false when the peer
// addressing is incomplete.
func BuildPeerKey(p KeyParams) (string, bool) {
	if p.PeerKind == "" || p.PeerID == "" {
		return "", false
	}
	key := fmt.Sprintf("webhook:%s:%s:%s", p.AgentID, p.PeerKind, p.PeerID)
	if p.TopicID != "" {
		key += ":" + p.TopicID
	}
	if p.ThreadID != "" {
		key += ":" + p.ThreadID
	}
	return key, true
}

// ResolveKey decides the session key for an inbound webhook message.
//
// Precedence: an explicit session named by the message wins; otherwise
// complete peer addressing yields a composite key; otherwise the scope
// decides (global key, or webhook:{id} per sender). A message with no
// usable identity gets a unique generated key so it can never collide
// with another conversation.
func ResolveKey(scope Scope, agentID string, msg *protocol.WebhookMessage) string {
	if s := strings.TrimSpace(msg.Session); s != "" {
		return NormalizeKey(s)
	}

	peerKind := strings.TrimSpace(msg.PeerKind)
	if peerKind == "" {
		peerKind = strings.TrimSpace(msg.ChatType)
	}
	peerID := strings.TrimSpace(msg.PeerID)
	if peerID == "" {
		peerID = strings.TrimSpace(msg.ChatID)
	}
	if peerID == "" {
		peerID = strings.TrimSpace(msg.SenderID)
	}
	if peerKind == "" && peerID != "" {
		peerKind = "dm"
	}

	if key, ok := BuildPeerKey(KeyParams{
		AgentID:  agentID,
		PeerKind: peerKind,
		PeerID:   peerID,
		TopicID:  strings.TrimSpace(msg.TopicID),
		ThreadID: strings.TrimSpace(msg.ThreadID),
	}); ok {
		return key
	}

	if scope == ScopeGlobal {
		return GlobalKey
	}
	if msg.ID != "" {
		return "webhook:" + msg.ID
	}
	return "webhook:anon:" + uuid.NewString()
}

// IsResetTrigger reports whether content is exactly a reset trigger.
func IsResetTrigger(content string) bool {
	trimmed := strings.TrimSpace(content)
	for _, trigger := range DefaultResetTriggers {
		if trimmed == trigger {
			return true
		}
	}
	return false
}

// StripResetTrigger removes a leading reset trigger from content. A
// bare trigger becomes the empty string; a trigger followed by a space
// leaves the remainder; anything else passes through untouched.
func StripResetTrigger(content string) string {
	trimmed := strings.TrimSpace(content)
	for _, trigger := range DefaultResetTriggers {
		if trimmed == trigger {
			return ""
		}
		if strings.HasPrefix(trimmed, trigger+" ") {
			return strings.TrimSpace(trimmed[len(trigger)+1:])
		}
	}
	return content
}

// StartsWithResetTrigger reports whether content begins a reset,
// either bare or with trailing text.
func StartsWithResetTrigger(content string) bool {
	trimmed := strings.TrimSpace(content)
	for _, trigger := range DefaultResetTriggers {
		if trimmed == trigger || strings.HasPrefix(trimmed, trigger+" ") {
			return true
		}
	}
	return false
}
