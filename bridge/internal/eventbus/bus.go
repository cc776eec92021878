// Package eventbus is the handoff between the bridge's transport clients
// and its routing loop. Socket read loops publish frames here; the bridge
// consumes them, so transport code never calls into routing directly.
package eventbus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Type names a kind of event on the bus.
type Type string

// Event types published on the bus.
const (
	WebhookMessage      Type = "webhook.message"
	WebhookConnected    Type = "webhook.connected"
	WebhookDisconnected Type = "webhook.disconnected"
	GatewayEvent        Type = "gateway.event"
	GatewayConnected    Type = "gateway.connected"
	GatewayDisconnected Type = "gateway.disconnected"
)

// DefaultBuffer is the per-subscriber channel depth used by Subscribe.
const DefaultBuffer = 64

// Event is a single message on the bus. Data carries the raw frame as it
// arrived on the wire.
type Event struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type subscriber struct {
	ch     chan Event
	filter map[Type]bool // nil = all types
}

// Bus is a fan-out pub/sub event bus. Each subscriber receives events on
// its own buffered channel; publishing never blocks, so an event is
// dropped for a subscriber whose buffer is full.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event]*subscriber
	dropped atomic.Uint64
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]*subscriber),
	}
}

// Subscribe returns a channel receiving events matching the given types,
// or all events when none are given, with the default buffer depth.
func (b *Bus) Subscribe(types ...Type) chan Event {
	return b.SubscribeBuffered(DefaultBuffer, types...)
}

// SubscribeBuffered is Subscribe with an explicit buffer depth, for
// consumers that fall behind bursts (or tests that want depth 1).
func (b *Bus) SubscribeBuffered(depth int, types ...Type) chan Event {
	if depth < 1 {
		depth = 1
	}
	sub := &subscriber{ch: make(chan Event, depth)}
	if len(types) > 0 {
		sub.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers an event to every matching subscriber without
// blocking. Drops are counted, not retried.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter[e.Type] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishFrame publishes a raw wire frame under the given event type.
func (b *Bus) PublishFrame(t Type, frame []byte) {
	b.Publish(Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      json.RawMessage(frame),
	})
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
