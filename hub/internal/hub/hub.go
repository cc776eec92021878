// Package hub maintains the UID-multiplexed connection registry: which
// sockets belong to which bridge identity, and best-effort fan-out to
// them.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// FallbackUID is the bucket for sockets revived without identity
// metadata, e.g. connections restored after a process handover. They
// stay reachable by broadcast until they reconnect properly.
const FallbackUID = "__restored__"

// Socket is the minimal connection surface the hub needs. Production
// sockets wrap gorilla connections; tests inject synthetic ones.
type Socket interface {
	// Send writes one frame. A failure affects only this socket.
	Send(data []byte) error
	Close() error
}

// Hub is an owned connection registry. The uid→connections and
// connection→uid indexes are kept consistent under one mutex; every
// mutation goes through Add and Remove so the bidirectional invariant
// holds atomically.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	byUID   map[string]map[string]Socket // uid → conn id → socket
	uidByID map[string]string            // conn id → uid
	sockets map[string]Socket            // conn id → socket
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger.With("component", "hub"),
		byUID:   make(map[string]map[string]Socket),
		uidByID: make(map[string]string),
		sockets: make(map[string]Socket),
	}
}

// Add registers a socket under a UID and returns its connection id.
func (h *Hub) Add(uid string, s Socket) string {
	id := uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()

	bucket := h.byUID[uid]
	if bucket == nil {
		bucket = make(map[string]Socket)
		h.byUID[uid] = bucket
	}
	bucket[id] = s
	h.uidByID[id] = uid
	h.sockets[id] = s

	h.logger.Debug("connection added", "uid", uid, "conn_id", id, "bucket_size", len(bucket))
	return id
}

// Remove unregisters a connection. Empty UID buckets are pruned so
// Stats never reports ghost identities. Removing an unknown id is a
// no-op.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	uid, ok := h.uidByID[id]
	if !ok {
		return
	}
	delete(h.uidByID, id)
	delete(h.sockets, id)

	bucket := h.byUID[uid]
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(h.byUID, uid)
	}
	h.logger.Debug("connection removed", "uid", uid, "conn_id", id)
}

// RouteToUID delivers payload to every connection under uid and
// returns the delivered count. Delivery is best effort: a failed
// socket is skipped, never removed here, so a transient write error
// cannot evict a live connection.
func (h *Hub) RouteToUID(uid string, payload []byte) int {
	return h.RouteToUIDExcept(uid, payload, "")
}

// RouteToUIDExcept is RouteToUID minus the sender's own connection, so
// client-originated frames never echo back.
func (h *Hub) RouteToUIDExcept(uid string, payload []byte, senderID string) int {
	h.mu.Lock()
	targets := make(map[string]Socket, len(h.byUID[uid]))
	for id, s := range h.byUID[uid] {
		if id != senderID {
			targets[id] = s
		}
	}
	h.mu.Unlock()

	sent := 0
	for id, s := range targets {
		if err := s.Send(payload); err != nil {
			h.logger.Warn("send failed", "uid", uid, "conn_id", id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// RestoreConnections places revived sockets, for which no UID metadata
// survived, into the fallback bucket so they remain reachable.
func (h *Hub) RestoreConnections(sockets []Socket) {
	for _, s := range sockets {
		h.Add(FallbackUID, s)
	}
	if len(sockets) > 0 {
		h.logger.Info("connections restored without identity", "count", len(sockets), "uid", FallbackUID)
	}
}

// Stats reports the total connection count and the per-UID breakdown.
func (h *Hub) Stats() (total int, byUID map[string]int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byUID = make(map[string]int, len(h.byUID))
	for uid, bucket := range h.byUID {
		byUID[uid] = len(bucket)
		total += len(bucket)
	}
	return total, byUID
}

// UID returns the identity a connection is registered under.
func (h *Hub) UID(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uid, ok := h.uidByID[id]
	return uid, ok
}

// CloseAll closes every socket. Used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sockets := make([]Socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		sockets = append(sockets, s)
	}
	h.byUID = make(map[string]map[string]Socket)
	h.uidByID = make(map[string]string)
	h.sockets = make(map[string]Socket)
	h.mu.Unlock()

	for _, s := range sockets {
		_ = s.Close()
	}
}
