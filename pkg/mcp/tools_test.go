package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/sequence"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/internal/validation"
	"github.com/rendis/drip/pkg/schema"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type mockPasses struct {
	tenants []string
	result  *engine.PassResult
	err     error
}

func (m *mockPasses) RunOnce(_ context.Context, tenantID string) (*engine.PassResult, error) {
	m.tenants = append(m.tenants, tenantID)
	return m.result, m.err
}

type testEnv struct {
	srv    *DripServer
	store  *store.LibSQLStore
	passes *mockPasses
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "drip.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	v, err := validation.NewSequenceValidator(nil)
	require.NoError(t, err)
	m := sequence.NewManager(sequence.Config{
		Store:     s,
		Validator: v,
		Goals:     engine.NewGoalEvaluator(nil, nil),
		Events:    s,
		Now:       func() time.Time { return t0 },
	})

	passes := &mockPasses{result: &engine.PassResult{Selected: 2, Processed: 2}}
	return &testEnv{
		srv:    NewDripServer(DripServerDeps{Manager: m, Passes: passes, Events: s}),
		store:  s,
		passes: passes,
	}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, dst any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), dst))
}

func onboardingDefinition() map[string]any {
	return map[string]any{
		"name": "onboarding",
		"steps": []any{
			map[string]any{"id": "e1", "order": 0, "type": "email", "config": map[string]any{"template_id": "welcome"}},
			map[string]any{"id": "w", "order": 1, "type": "wait", "config": map[string]any{"delay": map[string]any{"value": 2, "unit": "days"}}},
			map[string]any{"id": "e2", "order": 2, "type": "email", "config": map[string]any{"template_id": "tips"}},
		},
		"goal_type":             "email_clicked",
		"exit_on_goal_achieved": true,
	}
}

func (e *testEnv) call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := handler(context.Background(), buildRequest(tool, args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (e *testEnv) activeSequence(t *testing.T) *schema.Sequence {
	t.Helper()
	var seq schema.Sequence
	decodeResult(t, e.call(t, e.srv.handleSequence, "drip.sequence", map[string]any{
		"action": "create", "tenant_id": "acme", "definition": onboardingDefinition(),
	}), &seq)
	decodeResult(t, e.call(t, e.srv.handleSequence, "drip.sequence", map[string]any{
		"action": "activate", "tenant_id": "acme", "sequence_id": seq.ID,
	}), &seq)
	return &seq
}

func (e *testEnv) enroll(t *testing.T, seq *schema.Sequence, subscriberID string) *schema.SubscriberState {
	t.Helper()
	var sub schema.SubscriberState
	decodeResult(t, e.call(t, e.srv.handleEnroll, "drip.enroll", map[string]any{
		"tenant_id":     "acme",
		"sequence_id":   seq.ID,
		"subscriber_id": subscriberID,
		"email":         subscriberID + "@example.com",
		"custom_fields": map[string]any{"plan": "pro"},
	}), &sub)
	return &sub
}

func TestSequenceTool_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	seq := env.activeSequence(t)
	assert.Equal(t, schema.SequenceStatusActive, seq.Status)
	assert.Len(t, seq.Steps, 3)

	// Active sequences are locked.
	res := env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{
		"action": "update", "tenant_id": "acme", "sequence_id": seq.ID,
		"definition": map[string]any{"name": "renamed"},
	})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeSequenceLocked)

	var paused schema.Sequence
	decodeResult(t, env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{
		"action": "pause", "tenant_id": "acme", "sequence_id": seq.ID,
	}), &paused)
	assert.Equal(t, schema.SequenceStatusPaused, paused.Status)

	var updated schema.Sequence
	decodeResult(t, env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{
		"action": "update", "tenant_id": "acme", "sequence_id": seq.ID,
		"definition": map[string]any{"name": "renamed"},
	}), &updated)
	assert.Equal(t, "renamed", updated.Name)

	var resumed schema.Sequence
	decodeResult(t, env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{
		"action": "resume", "tenant_id": "acme", "sequence_id": seq.ID,
	}), &resumed)
	assert.Equal(t, schema.SequenceStatusActive, resumed.Status)

	var listed struct {
		Sequences []*schema.Sequence `json:"sequences"`
	}
	decodeResult(t, env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{
		"action": "list", "tenant_id": "acme", "status": "active",
	}), &listed)
	require.Len(t, listed.Sequences, 1)
	assert.Equal(t, seq.ID, listed.Sequences[0].ID)
}

func TestSequenceTool_MissingArguments(t *testing.T) {
	env := newTestEnv(t)

	res := env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{"action": "get"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "tenant_id is required")

	res = env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{"action": "get", "tenant_id": "acme"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "sequence_id is required")

	res = env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{"action": "create", "tenant_id": "acme"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "invalid definition")

	res = env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{
		"action": "explode", "tenant_id": "acme", "sequence_id": "x",
	})
	assert.True(t, res.IsError)
}

func TestSequenceTool_ActivateWithoutStepsFails(t *testing.T) {
	env := newTestEnv(t)

	var seq schema.Sequence
	decodeResult(t, env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{
		"action": "create", "tenant_id": "acme", "definition": map[string]any{"name": "empty"},
	}), &seq)

	res := env.call(t, env.srv.handleSequence, "drip.sequence", map[string]any{
		"action": "activate", "tenant_id": "acme", "sequence_id": seq.ID,
	})
	assert.True(t, res.IsError)
}

func TestEnrollAndUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	seq := env.activeSequence(t)
	sub := env.enroll(t, seq, "u1")
	assert.Equal(t, schema.SubscriberStatusActive, sub.Status)
	assert.Equal(t, "e1", sub.CurrentStepID)

	// No re-entry: second enrollment is rejected.
	res := env.call(t, env.srv.handleEnroll, "drip.enroll", map[string]any{
		"tenant_id": "acme", "sequence_id": seq.ID, "subscriber_id": "u1", "email": "u1@example.com",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeAlreadyEnrolled)

	var gone schema.SubscriberState
	decodeResult(t, env.call(t, env.srv.handleUnsubscribe, "drip.unsubscribe", map[string]any{
		"tenant_id": "acme", "sequence_id": seq.ID, "subscriber_id": "u1",
	}), &gone)
	assert.Equal(t, schema.SubscriberStatusUnsubscribed, gone.Status)

	res = env.call(t, env.srv.handleUnsubscribe, "drip.unsubscribe", map[string]any{"tenant_id": "acme"})
	assert.True(t, res.IsError)
}

func TestEnroll_RequiresEmail(t *testing.T) {
	env := newTestEnv(t)
	res := env.call(t, env.srv.handleEnroll, "drip.enroll", map[string]any{
		"tenant_id": "acme", "sequence_id": "s", "subscriber_id": "u1",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "email is required")
}

func TestSubscriberTool(t *testing.T) {
	env := newTestEnv(t)
	seq := env.activeSequence(t)
	sub := env.enroll(t, seq, "u1")
	env.enroll(t, seq, "u2")

	var paused schema.SubscriberState
	decodeResult(t, env.call(t, env.srv.handleSubscriber, "drip.subscriber", map[string]any{
		"action": "pause", "tenant_id": "acme", "subscriber_state_id": sub.ID,
	}), &paused)
	assert.Equal(t, schema.SubscriberStatusPaused, paused.Status)

	var listed struct {
		Subscribers []*schema.SubscriberState `json:"subscribers"`
	}
	decodeResult(t, env.call(t, env.srv.handleSubscriber, "drip.subscriber", map[string]any{
		"action": "list", "tenant_id": "acme", "sequence_id": seq.ID, "status": "active",
	}), &listed)
	require.Len(t, listed.Subscribers, 1)
	assert.Equal(t, "u2", listed.Subscribers[0].SubscriberID)

	var resumed schema.SubscriberState
	decodeResult(t, env.call(t, env.srv.handleSubscriber, "drip.subscriber", map[string]any{
		"action": "resume", "tenant_id": "acme", "subscriber_state_id": sub.ID,
	}), &resumed)
	assert.Equal(t, schema.SubscriberStatusActive, resumed.Status)

	res := env.call(t, env.srv.handleSubscriber, "drip.subscriber", map[string]any{
		"action": "get", "tenant_id": "acme", "subscriber_state_id": "missing",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)
}

func TestEngagementTool_UnknownStep(t *testing.T) {
	env := newTestEnv(t)
	seq := env.activeSequence(t)
	sub := env.enroll(t, seq, "u1")

	// Nothing was delivered yet, so there is no engagement entry to mark.
	res := env.call(t, env.srv.handleEngagement, "drip.engagement", map[string]any{
		"kind": "click", "tenant_id": "acme", "subscriber_state_id": sub.ID, "step_id": "e1",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)

	res = env.call(t, env.srv.handleEngagement, "drip.engagement", map[string]any{
		"kind": "bounce", "tenant_id": "acme", "subscriber_state_id": sub.ID, "step_id": "e1",
	})
	assert.True(t, res.IsError)
}

func TestStatsTool(t *testing.T) {
	env := newTestEnv(t)
	seq := env.activeSequence(t)
	env.enroll(t, seq, "u1")
	env.enroll(t, seq, "u2")

	var stats schema.Statistics
	decodeResult(t, env.call(t, env.srv.handleStats, "drip.stats", map[string]any{
		"tenant_id": "acme", "sequence_id": seq.ID,
	}), &stats)
	assert.Equal(t, int64(2), stats.TotalSubscribers)
	assert.Equal(t, int64(2), stats.ActiveSubscribers)
	assert.Zero(t, stats.OpenRate)
}

func TestEventsTool(t *testing.T) {
	env := newTestEnv(t)
	seq := env.activeSequence(t)
	env.enroll(t, seq, "u1")

	var out struct {
		Events []*store.Event `json:"events"`
	}
	decodeResult(t, env.call(t, env.srv.handleEvents, "drip.events", map[string]any{
		"tenant_id": "acme",
		"filter":    map[string]any{"sequence_id": seq.ID, "event_type": schema.EventSubscriberEnrolled},
	}), &out)
	require.Len(t, out.Events, 1)
	assert.Equal(t, schema.EventSubscriberEnrolled, out.Events[0].Type)

	decodeResult(t, env.call(t, env.srv.handleEvents, "drip.events", map[string]any{
		"tenant_id": "other",
	}), &out)
	assert.Empty(t, out.Events)
}

func TestRunPassTool(t *testing.T) {
	env := newTestEnv(t)

	var res engine.PassResult
	decodeResult(t, env.call(t, env.srv.handleRunPass, "drip.run_pass", map[string]any{"tenant_id": "acme"}), &res)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []string{"acme"}, env.passes.tenants)

	env.passes.err = schema.NewError(schema.ErrCodeConflict, "dispatcher pass already in progress")
	out := env.call(t, env.srv.handleRunPass, "drip.run_pass", map[string]any{})
	assert.True(t, out.IsError)
	assert.Contains(t, extractText(t, out), "already in progress")
}

func TestRunPassTool_NotConfigured(t *testing.T) {
	s := NewDripServer(DripServerDeps{})
	res, err := s.handleRunPass(context.Background(), buildRequest("drip.run_pass", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestExtractInt(t *testing.T) {
	f := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(f, "a", 0))
	assert.Equal(t, 4, extractInt(f, "b", 0))
	assert.Equal(t, 5, extractInt(f, "c", 0))
	assert.Equal(t, 9, extractInt(f, "d", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}
