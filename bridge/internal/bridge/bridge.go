// Package bridge routes frames between the webhook endpoint and the
// agent gateway, applying session bookkeeping on the way through.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clawrelay/clawrelay/bridge/internal/commands"
	"github.com/clawrelay/clawrelay/bridge/internal/eventbus"
	"github.com/clawrelay/clawrelay/bridge/internal/sessions"
	"github.com/clawrelay/clawrelay/pkg/protocol"
)

// GatewaySender is the outbound half of the gateway client.
type GatewaySender interface {
	SendAgentRequest(ctx context.Context, message, sessionKey string) error
}

// WebhookSender is the outbound half of the webhook client.
type WebhookSender interface {
	Send(data []byte) error
}

// Options configures a bridge.
type Options struct {
	AgentID string
	UID     string
	Scope   sessions.Scope
}

// Bridge consumes frames from the event bus and routes them. Inbound
// webhook messages become gateway agent requests; gateway events are
// relayed back to the webhook verbatim.
type Bridge struct {
	opts     Options
	bus      *eventbus.Bus
	gateway  GatewaySender
	webhook  WebhookSender
	store    *sessions.Store
	commands *commands.Handler
	logger   *slog.Logger
}

// New creates a bridge. The store may be nil, in which case session
// bookkeeping and admin frames are disabled.
func New(opts Options, bus *eventbus.Bus, gw GatewaySender, wh WebhookSender, store *sessions.Store, cmds *commands.Handler, logger *slog.Logger) *Bridge {
	if opts.Scope == "" {
		opts.Scope = sessions.ScopePerSender
	}
	return &Bridge{
		opts:     opts,
		bus:      bus,
		gateway:  gw,
		webhook:  wh,
		store:    store,
		commands: cmds,
		logger:   logger.With("component", "bridge"),
	}
}

// Run consumes bus events until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	inbound := b.bus.Subscribe(eventbus.WebhookMessage)
	events := b.bus.Subscribe(eventbus.GatewayEvent)
	defer b.bus.Unsubscribe(inbound)
	defer b.bus.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := b.HandleWebhookMessage(ctx, e.Data); err != nil {
				b.logger.Warn("webhook message dropped", "error", err)
			}
		case e, ok := <-events:
			if !ok {
				return nil
			}
			b.HandleGatewayEvent(e.Data)
		}
	}
}

// HandleWebhookMessage routes one inbound webhook frame.
func (b *Bridge) HandleWebhookMessage(ctx context.Context, raw []byte) error {
	if b.store != nil && sessions.IsAdminMessage(raw) {
		return b.handleAdmin(raw)
	}

	// Transport signaling never reaches the gateway, whatever its shape.
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Type != "" && protocol.IsControlType(probe.Type) {
		b.logger.Debug("control frame dropped", "type", probe.Type)
		return nil
	}

	var msg protocol.WebhookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.logger.Debug("unparseable frame dropped", "error", err)
		return nil
	}
	if msg.Content == "" {
		return nil
	}

	if sessions.StartsWithResetTrigger(msg.Content) {
		return b.handleReset(ctx, &msg)
	}
	if b.commands != nil && commands.IsCommand(msg.Content) {
		return b.handleCommand(ctx, &msg)
	}

	sessionKey := sessions.ResolveKey(b.opts.Scope, b.opts.AgentID, &msg)
	b.recordInbound(sessionKey, &msg)
	return b.forward(ctx, msg.Content, sessionKey)
}

// handleReset starts a fresh session and forwards any text that
// followed the trigger.
func (b *Bridge) handleReset(ctx context.Context, msg *protocol.WebhookMessage) error {
	sessionKey := sessions.ResolveKey(b.opts.Scope, b.opts.AgentID, msg)
	if b.store != nil {
		if _, err := b.store.Reset(sessionKey); err != nil {
			b.logger.Warn("session reset failed", "key", sessionKey, "error", err)
		} else {
			b.logger.Info("session reset", "key", sessionKey)
		}
	}

	remainder := sessions.StripResetTrigger(msg.Content)
	msg.Content = remainder
	if b.store != nil {
		b.recordInbound(sessionKey, msg)
	}
	if remainder == "" {
		return nil
	}
	return b.forward(ctx, remainder, sessionKey)
}

// handleCommand dispatches a slash command and routes its result.
func (b *Bridge) handleCommand(ctx context.Context, msg *protocol.WebhookMessage) error {
	res, err := b.commands.Handle(ctx, msg.Content)
	if err != nil {
		res.Reply = fmt.Sprintf("Error: %v", err)
	}

	if res.Forward != "" {
		sessionKey := sessions.ResolveKey(b.opts.Scope, b.opts.AgentID, msg)
		return b.forward(ctx, res.Forward, sessionKey)
	}

	reply := protocol.WebhookResponse{
		Type:    protocol.ResponseComplete,
		Content: res.Reply,
		Session: msg.Session,
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal command reply: %w", err)
	}
	if err := b.webhook.Send(data); err != nil {
		b.logger.Warn("command reply dropped", "error", err)
	}
	return nil
}

// recordInbound persists session metadata and the route for responses.
func (b *Bridge) recordInbound(sessionKey string, msg *protocol.WebhookMessage) {
	if b.store == nil {
		return
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

	to := msg.ID
	if peerID != "" {
		to = peerID
	}
	threadID := ""
	switch peerKind {
	case "group", "channel":
		if msg.TopicID != "" {
			threadID = msg.TopicID
		} else {
			threadID = msg.ThreadID
		}
	default:
		threadID = msg.ThreadID
	}

	ctx := &sessions.DeliveryContext{
		Channel:   "webhook",
		To:        to,
		AccountID: b.opts.UID,
		ThreadID:  threadID,
	}
	if _, err := b.store.RecordInbound(sessionKey, msg.ID, ctx); err != nil {
		b.logger.Warn("session metadata not recorded", "key", sessionKey, "error", err)
	}
}

// forward sends content to the gateway; not-connected errors are logged
// and the frame is dropped rather than queued.
func (b *Bridge) forward(ctx context.Context, content, sessionKey string) error {
	if err := b.gateway.SendAgentRequest(ctx, content, sessionKey); err != nil {
		b.logger.Warn("agent request dropped", "key", sessionKey, "error", err)
	}
	return nil
}

// HandleGatewayEvent relays a gateway event to the webhook verbatim.
// The frame is never reshaped; the only side effect is route tracking
// when the event names a session.
func (b *Bridge) HandleGatewayEvent(raw []byte) {
	if b.store != nil {
		var probe struct {
			SessionKey string `json:"sessionKey,omitempty"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.SessionKey != "" {
			_, err := b.store.UpdateLastRoute(probe.SessionKey, &sessions.DeliveryContext{
				Channel:   "webhook",
				AccountID: b.opts.UID,
			})
			if err != nil {
				b.logger.Warn("last route not updated", "key", probe.SessionKey, "error", err)
			}
		}
	}

	if err := b.webhook.Send(raw); err != nil {
		b.logger.Warn("gateway event dropped", "error", err)
	}
}

// handleAdmin answers a session admin frame over the webhook socket.
func (b *Bridge) handleAdmin(raw []byte) error {
	msg, err := sessions.ParseAdminMessage(raw)
	if err != nil {
		b.logger.Debug("bad session admin frame", "error", err)
		return nil
	}

	switch msg.Type {
	case sessions.AdminGet:
		entry, err := b.store.Get(msg.TargetKey())
		if err != nil {
			return b.sendAdminResponse(msg.Type, map[string]any{"error": "session not found"})
		}
		return b.sendAdminResponse(msg.Type, sessions.Info{
			Key:             msg.TargetKey(),
			SessionID:       entry.SessionID,
			UpdatedAt:       entry.UpdatedAt,
			DeliveryContext: entry.DeliveryContext,
			LastChannel:     entry.LastChannel,
			LastTo:          entry.LastTo,
		})

	case sessions.AdminList:
		all, err := b.store.List()
		if err != nil {
			return b.sendAdminResponse(msg.Type, map[string]any{"error": "list failed"})
		}
		infos := make([]sessions.Info, 0, len(all))
		for key, entry := range all {
			infos = append(infos, sessions.Info{
				Key:             key,
				SessionID:       entry.SessionID,
				UpdatedAt:       entry.UpdatedAt,
				DeliveryContext: entry.DeliveryContext,
				LastChannel:     entry.LastChannel,
				LastTo:          entry.LastTo,
			})
		}
		return b.sendAdminResponse(msg.Type, sessions.ListResult{Sessions: infos, Count: len(infos)})

	case sessions.AdminReset:
		if _, err := b.store.Reset(msg.TargetKey()); err != nil {
			return b.sendAdminResponse(msg.Type, map[string]any{"error": "reset failed"})
		}
		return b.sendAdminResponse(msg.Type, map[string]any{"success": true, "key": msg.TargetKey()})

	case sessions.AdminDelete:
		if err := b.store.Delete(msg.TargetKey()); err != nil {
			return b.sendAdminResponse(msg.Type, map[string]any{"error": "delete failed"})
		}
		return b.sendAdminResponse(msg.Type, map[string]any{"success": true, "key": msg.TargetKey()})
	}
	return nil
}

func (b *Bridge) sendAdminResponse(msgType string, data any) error {
	response, err := sessions.BuildAdminResponse(msgType, data)
	if err != nil {
		return fmt.Errorf("build admin response: %w", err)
	}
	if err := b.webhook.Send(response); err != nil {
		b.logger.Warn("admin response dropped", "error", err)
	}
	return nil
}
