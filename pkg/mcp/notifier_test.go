package mcp

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/audit"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []map[string]any
	got   chan struct{}
}

func (r *recordingNotifier) Notify(_ context.Context, tenantID string, payload map[string]any) error {
	r.mu.Lock()
	payload["_tenant"] = tenantID
	r.calls = append(r.calls, payload)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestForwardEvents_RelaysNotableEvents(t *testing.T) {
	hub := audit.NewMemoryHub()
	n := &recordingNotifier{got: make(chan struct{}, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ForwardEvents(ctx, hub, n, slog.Default()))

	require.NoError(t, hub.Publish(ctx, &store.Event{TenantID: "acme", Type: schema.EventStepExecuted}))
	require.NoError(t, hub.Publish(ctx, &store.Event{
		TenantID: "acme", SequenceID: "seq-1", SubscriberStateID: "sub-1", Type: schema.EventSubscriberFailed,
	}))

	select {
	case <-n.got:
	case <-time.After(time.Second):
		t.Fatal("notification not forwarded")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.calls, 1)
	assert.Equal(t, "acme", n.calls[0]["_tenant"])
	assert.Equal(t, schema.EventSubscriberFailed, n.calls[0]["event"])
	assert.Equal(t, "warning", n.calls[0]["level"])
	assert.Equal(t, "sub-1", n.calls[0]["subscriber_state_id"])
}

func TestForwardEvents_StopsWithContext(t *testing.T) {
	hub := audit.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, ForwardEvents(ctx, hub, &recordingNotifier{got: make(chan struct{}, 1)}, slog.Default()))
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMCPNotifier_NoSessionIsNoop(t *testing.T) {
	s := NewDripServer(DripServerDeps{})
	n := NewMCPNotifier(s.MCPServer(), s.sessions)
	assert.NoError(t, n.Notify(context.Background(), "acme", map[string]any{"event": "x"}))
}

func TestMCPNotifier_ForgetsDisconnectedSessions(t *testing.T) {
	s := NewDripServer(DripServerDeps{})
	s.sessions.Watch("acme", "gone")
	n := NewMCPNotifier(s.MCPServer(), s.sessions)

	assert.NoError(t, n.Notify(context.Background(), "acme", map[string]any{"event": "x"}))
	assert.Empty(t, s.sessions.Watchers("acme"))
}
