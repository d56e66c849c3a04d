package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/drip/internal/sequence"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// handleSequence dispatches sequence authoring and lifecycle actions.
func (s *DripServer) handleSequence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	s.captureSession(ctx, tenantID)

	switch action {
	case "create":
		var cr sequence.CreateRequest
		if err := decodeObject(mcp.ParseStringMap(req, "definition", nil), &cr); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		cr.TenantID = tenantID
		return resultOrError("create", wrapSeq(s.manager.Create(ctx, cr)))
	case "list":
		filter := store.SequenceFilter{
			TenantID: tenantID,
			Limit:    int(req.GetFloat("limit", 50)),
			Offset:   int(req.GetFloat("offset", 0)),
		}
		if status := req.GetString("status", ""); status != "" {
			st := schema.SequenceStatus(status)
			filter.Status = &st
		}
		seqs, err := s.manager.List(ctx, filter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"sequences": seqs})
	}

	sequenceID, err := req.RequireString("sequence_id")
	if err != nil {
		return mcp.NewToolResultError("sequence_id is required"), nil
	}

	switch action {
	case "update":
		var ur sequence.UpdateRequest
		if err := decodeObject(mcp.ParseStringMap(req, "definition", nil), &ur); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		return resultOrError(action, wrapSeq(s.manager.Update(ctx, tenantID, sequenceID, ur)))
	case "activate", "resume":
		return resultOrError(action, wrapSeq(s.manager.Activate(ctx, tenantID, sequenceID)))
	case "pause":
		return resultOrError(action, wrapSeq(s.manager.Pause(ctx, tenantID, sequenceID)))
	case "complete":
		return resultOrError(action, wrapSeq(s.manager.Complete(ctx, tenantID, sequenceID)))
	case "archive":
		return resultOrError(action, wrapSeq(s.manager.Archive(ctx, tenantID, sequenceID)))
	case "get":
		return resultOrError(action, wrapSeq(s.manager.Get(ctx, tenantID, sequenceID)))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleEnroll enrolls one subscriber.
func (s *DripServer) handleEnroll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	er := sequence.EnrollRequest{
		EnrollmentData: mcp.ParseStringMap(req, "enrollment_data", nil),
		CustomFields:   mcp.ParseStringMap(req, "custom_fields", nil),
	}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"tenant_id", &er.TenantID},
		{"sequence_id", &er.SequenceID},
		{"subscriber_id", &er.SubscriberID},
		{"email", &er.Email},
	} {
		v, err := req.RequireString(f.name)
		if err != nil {
			return mcp.NewToolResultError(f.name + " is required"), nil
		}
		*f.dst = v
	}
	s.captureSession(ctx, er.TenantID)

	return resultOrError("enroll", wrapSub(s.manager.Enroll(ctx, er)))
}

// handleUnsubscribe accepts either a state id or a (sequence, subscriber) pair.
func (s *DripServer) handleUnsubscribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	s.captureSession(ctx, tenantID)

	if stateID := req.GetString("subscriber_state_id", ""); stateID != "" {
		return resultOrError("unsubscribe", wrapSub(s.manager.Unsubscribe(ctx, tenantID, stateID)))
	}
	sequenceID := req.GetString("sequence_id", "")
	subscriberID := req.GetString("subscriber_id", "")
	if sequenceID == "" || subscriberID == "" {
		return mcp.NewToolResultError("either subscriber_state_id or both sequence_id and subscriber_id are required"), nil
	}
	return resultOrError("unsubscribe", wrapSub(s.manager.UnsubscribeSubscriber(ctx, tenantID, sequenceID, subscriberID)))
}

// handleSubscriber inspects or pauses enrollments.
func (s *DripServer) handleSubscriber(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	s.captureSession(ctx, tenantID)

	if action == "list" {
		filter := store.SubscriberFilter{
			TenantID:     tenantID,
			SequenceID:   req.GetString("sequence_id", ""),
			SubscriberID: req.GetString("subscriber_id", ""),
			Limit:        int(req.GetFloat("limit", 50)),
			Offset:       int(req.GetFloat("offset", 0)),
		}
		if status := req.GetString("status", ""); status != "" {
			st := schema.SubscriberStatus(status)
			filter.Status = &st
		}
		subs, err := s.manager.ListSubscribers(ctx, filter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"subscribers": subs})
	}

	stateID, err := req.RequireString("subscriber_state_id")
	if err != nil {
		return mcp.NewToolResultError("subscriber_state_id is required"), nil
	}
	switch action {
	case "get":
		return resultOrError(action, wrapSub(s.manager.GetSubscriber(ctx, tenantID, stateID)))
	case "pause":
		return resultOrError(action, wrapSub(s.manager.PauseSubscriber(ctx, tenantID, stateID)))
	case "resume":
		return resultOrError(action, wrapSub(s.manager.ResumeSubscriber(ctx, tenantID, stateID)))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleEngagement records an open or a click.
func (s *DripServer) handleEngagement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind is required"), nil
	}
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	stateID, err := req.RequireString("subscriber_state_id")
	if err != nil {
		return mcp.NewToolResultError("subscriber_state_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}

	switch kind {
	case "open":
		return resultOrError("record open", wrapSub(s.manager.RecordOpen(ctx, tenantID, stateID, stepID)))
	case "click":
		return resultOrError("record click", wrapSub(s.manager.RecordClick(ctx, tenantID, stateID, stepID)))
	default:
		return mcp.NewToolResultError("kind must be open or click"), nil
	}
}

// handleStats returns sequence statistics.
func (s *DripServer) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	sequenceID, err := req.RequireString("sequence_id")
	if err != nil {
		return mcp.NewToolResultError("sequence_id is required"), nil
	}

	stats, err := s.manager.Statistics(ctx, tenantID, sequenceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", err)), nil
	}
	return marshalResult(stats)
}

// handleEvents lists audit events for a tenant.
func (s *DripServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	if s.events == nil {
		return mcp.NewToolResultError("event log is not configured"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	ef := store.EventFilter{
		TenantID: tenantID,
		Limit:    extractInt(filter, "limit", 100),
	}
	if v, ok := filter["sequence_id"].(string); ok {
		ef.SequenceID = v
	}
	if v, ok := filter["subscriber_state_id"].(string); ok {
		ef.SubscriberStateID = v
	}
	if v, ok := filter["event_type"].(string); ok {
		ef.Type = v
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	events, err := s.events.ListEvents(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleRunPass runs a dispatcher pass under the pass lock.
func (s *DripServer) handleRunPass(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.passes == nil {
		return mcp.NewToolResultError("dispatcher is not configured"), nil
	}
	tenantID := req.GetString("tenant_id", "")
	if tenantID != "" {
		s.captureSession(ctx, tenantID)
	}

	res, err := s.passes.RunOnce(ctx, tenantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pass failed: %v", err)), nil
	}
	return marshalResult(res)
}

// --- Internal helpers ---

type outcome struct {
	value any
	err   error
}

func wrapSeq(seq *schema.Sequence, err error) outcome {
	return outcome{value: seq, err: err}
}

func wrapSub(sub *schema.SubscriberState, err error) outcome {
	return outcome{value: sub, err: err}
}

// resultOrError renders a manager call. Domain errors come back as tool
// errors carrying their code so the caller can branch on it.
func resultOrError(op string, o outcome) (*mcp.CallToolResult, error) {
	if o.err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, o.err)), nil
	}
	return marshalResult(o.value)
}

// decodeObject converts a tool argument object into a typed request.
func decodeObject(obj map[string]any, dst any) error {
	if obj == nil {
		return fmt.Errorf("object is required")
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession subscribes the calling session to the tenant's notifications.
func (s *DripServer) captureSession(ctx context.Context, tenantID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(tenantID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
