package sequence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// engagementAttempts bounds retries when the row changes between read and commit.
const engagementAttempts = 3

type engagementKind int

const (
	engagementOpen engagementKind = iota
	engagementClick
)

// RecordOpen stamps the first open of the email sent at stepID and checks
// the sequence goal.
func (m *Manager) RecordOpen(ctx context.Context, tenantID, stateID, stepID string) (*schema.SubscriberState, error) {
	return m.recordEngagement(ctx, tenantID, stateID, stepID, engagementOpen)
}

// RecordClick stamps the first click of the email sent at stepID. A click
// without a recorded open counts as an open too.
func (m *Manager) RecordClick(ctx context.Context, tenantID, stateID, stepID string) (*schema.SubscriberState, error) {
	return m.recordEngagement(ctx, tenantID, stateID, stepID, engagementClick)
}

func (m *Manager) recordEngagement(ctx context.Context, tenantID, stateID, stepID string, kind engagementKind) (*schema.SubscriberState, error) {
	var lastErr error
	for attempt := 0; attempt < engagementAttempts; attempt++ {
		sub, err := m.tryEngagement(ctx, tenantID, stateID, stepID, kind)
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return sub, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (m *Manager) tryEngagement(ctx context.Context, tenantID, stateID, stepID string, kind engagementKind) (*schema.SubscriberState, error) {
	sub, err := m.store.GetSubscriber(ctx, tenantID, stateID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, tenantID, sub.SequenceID, sub.ID)
	now := m.now()

	// A dispatcher holds the row; writing now would drop its result.
	if sub.ClaimedUntil != nil && sub.ClaimedUntil.After(now) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "subscriber state %q is being processed", stateID).
			WithDetails(map[string]any{"retry_after": sub.ClaimedUntil.Sub(now).String()})
	}

	state := sub.Clone()
	entry := state.Engagement(stepID)
	if entry == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"step %q was never sent to subscriber state %q", stepID, stateID).WithStep(stepID)
	}

	var events []*store.Event
	changed := false
	if entry.OpenedAt == nil {
		at := now
		entry.OpenedAt = &at
		state.EmailsOpened++
		changed = true
		events = append(events, engagementEvent(state, stepID, schema.EventEmailOpened, now))
	}
	if kind == engagementClick && entry.ClickedAt == nil {
		at := now
		entry.ClickedAt = &at
		state.EmailsClicked++
		changed = true
		events = append(events, engagementEvent(state, stepID, schema.EventEmailClicked, now))
	}
	if !changed {
		return sub, nil
	}

	var delta store.CounterDelta
	if m.goals != nil && !state.Status.IsTerminal() {
		seq, err := m.store.GetSequence(ctx, tenantID, state.SequenceID)
		if err != nil {
			return nil, err
		}
		newly, exit, err := m.goals.MarkGoal(ctx, seq, state, now)
		if err != nil {
			logging.LogWith(ctx, m.logger).WarnContext(ctx, "goal evaluation failed", slog.String("error", err.Error()))
		}
		if newly {
			events = append(events, engagementEvent(state, stepID, schema.EventGoalAchieved, now))
		}
		// Paused subscribers keep the achievement but cannot complete until resumed.
		if exit && state.Status == schema.SubscriberStatusActive {
			completeOnGoal(state, now)
			delta = store.CounterDelta{Active: -1, Completed: 1}
			events = append(events, engagementEvent(state, "", schema.EventSubscriberCompleted, now))
		}
	}

	state.UpdatedAt = now
	if err := m.store.CommitSubscriber(ctx, store.Commit{
		State:           state,
		ExpectedVersion: sub.Version,
		RequireStatus:   []schema.SubscriberStatus{sub.Status},
		Delta:           delta,
	}); err != nil {
		return nil, err
	}

	for _, ev := range events {
		m.emit(ctx, ev)
	}
	return state, nil
}

func completeOnGoal(state *schema.SubscriberState, now time.Time) {
	at := now
	state.Status = schema.SubscriberStatusCompleted
	state.CompletedAt = &at
	state.CurrentStepID = ""
	state.NextSendAt = nil
}

func engagementEvent(state *schema.SubscriberState, stepID, typ string, now time.Time) *store.Event {
	var payload json.RawMessage
	if typ == schema.EventSubscriberCompleted {
		payload = json.RawMessage(`{"reason":"goal_achieved"}`)
	}
	return &store.Event{
		TenantID:          state.TenantID,
		SequenceID:        state.SequenceID,
		SubscriberStateID: state.ID,
		StepID:            stepID,
		Type:              typ,
		Payload:           payload,
		Timestamp:         now,
	}
}
