package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/drip/internal/audit"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// TenantNotifier pushes notifications to the client watching a tenant.
type TenantNotifier interface {
	Notify(ctx context.Context, tenantID string, payload map[string]any) error
}

// MCPNotifier delivers tenant notifications as MCP log messages.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to registered sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to every session watching tenantID. Sessions that
// have gone away are forgotten; a tenant with no watchers is a no-op.
func (n *MCPNotifier) Notify(_ context.Context, tenantID string, payload map[string]any) error {
	var errs []error
	for _, sessionID := range n.sessions.Watchers(tenantID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
		switch {
		case errors.Is(err, server.ErrSessionNotFound):
			n.sessions.Forget(sessionID)
		case err != nil:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// notifiedEvents are the audit events worth interrupting an operator for.
var notifiedEvents = []string{
	schema.EventSubscriberFailed,
	schema.EventSubscriberBounced,
	schema.EventGoalAchieved,
	schema.EventCircuitOpened,
	schema.EventSequenceCompleted,
}

// ForwardEvents subscribes to hub and relays notable events to notifier
// until ctx ends.
func ForwardEvents(ctx context.Context, hub audit.EventHub, notifier TenantNotifier, logger *slog.Logger) error {
	ch, cancel, err := hub.Subscribe(ctx, audit.Filter{Types: notifiedEvents})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := notifier.Notify(ctx, ev.TenantID, eventPayload(ev)); err != nil {
					logger.Warn("event notification failed",
						slog.String("event_type", ev.Type),
						slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

func eventPayload(ev *store.Event) map[string]any {
	p := map[string]any{
		"level":     "info",
		"logger":    "drip",
		"event":     ev.Type,
		"tenant_id": ev.TenantID,
		"timestamp": ev.Timestamp,
	}
	if ev.Type == schema.EventSubscriberFailed || ev.Type == schema.EventCircuitOpened {
		p["level"] = "warning"
	}
	if ev.SequenceID != "" {
		p["sequence_id"] = ev.SequenceID
	}
	if ev.SubscriberStateID != "" {
		p["subscriber_state_id"] = ev.SubscriberStateID
	}
	if ev.StepID != "" {
		p["step_id"] = ev.StepID
	}
	if len(ev.Payload) > 0 {
		p["data"] = ev.Payload
	}
	return p
}
