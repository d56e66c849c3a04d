package sequence

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// EnrollRequest is the single entry point used by trigger ingestion.
type EnrollRequest struct {
	TenantID       string         `json:"tenant_id"`
	SequenceID     string         `json:"sequence_id"`
	SubscriberID   string         `json:"subscriber_id"`
	Email          string         `json:"email"`
	EnrollmentData map[string]any `json:"enrollment_data,omitempty"`
	CustomFields   map[string]any `json:"custom_fields,omitempty"`
}

// Enroll creates an Active subscriber state at the sequence's first step.
// The first step's entry delay, if any, sets the first send time. Capacity
// and re-entry are enforced by the store in the same transaction as the insert,
// so a re-entry that replaces a live enrollment reuses that enrollment's slot.
func (m *Manager) Enroll(ctx context.Context, req EnrollRequest) (*schema.SubscriberState, error) {
	if req.TenantID == "" || req.SequenceID == "" || req.SubscriberID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant_id, sequence_id and subscriber_id are required")
	}
	ctx = logging.WithIDs(ctx, req.TenantID, req.SequenceID, "")
	logger := logging.LogWith(ctx, m.logger)

	seq, err := m.store.GetSequence(ctx, req.TenantID, req.SequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != schema.SequenceStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeSequenceInactive, "sequence %q is %s", seq.ID, seq.Status)
	}

	graph, err := engine.ParseStepGraph(seq.Steps)
	if err != nil {
		return nil, err
	}
	first := graph.First()
	delay, err := first.EntryDelay()
	if err != nil {
		return nil, err
	}

	now := m.now()
	next := now.Add(delay)
	res, err := m.store.Enroll(ctx, store.EnrollRequest{
		State: &schema.SubscriberState{
			ID:               uuid.NewString(),
			TenantID:         req.TenantID,
			SequenceID:       req.SequenceID,
			SubscriberID:     req.SubscriberID,
			Email:            req.Email,
			CurrentStepID:    first.ID,
			CurrentStepIndex: first.Order,
			EnrolledAt:       now,
			NextSendAt:       &next,
			EnrollmentData:   req.EnrollmentData,
			CustomFields:     req.CustomFields,
		},
		Now: now,
	})
	if err != nil {
		return nil, err
	}

	for _, old := range res.Replaced {
		m.emit(ctx, &store.Event{
			TenantID: req.TenantID, SequenceID: req.SequenceID, SubscriberStateID: old,
			Type: schema.EventSubscriberUnsubscribed, Timestamp: now,
		})
	}
	m.emit(ctx, &store.Event{
		TenantID: req.TenantID, SequenceID: req.SequenceID, SubscriberStateID: res.State.ID,
		StepID: first.ID, Type: schema.EventSubscriberEnrolled, Timestamp: now,
	})
	logger.InfoContext(ctx, "subscriber enrolled",
		slog.String("subscriber_state_id", res.State.ID),
		slog.String("email", logging.RedactEmail(req.Email)),
		slog.Int("replaced", len(res.Replaced)),
	)
	return res.State, nil
}

// Unsubscribe ends an Active or Paused enrollment.
func (m *Manager) Unsubscribe(ctx context.Context, tenantID, stateID string) (*schema.SubscriberState, error) {
	return m.moveSubscriber(ctx, tenantID, stateID, schema.SubscriberStatusUnsubscribed)
}

// UnsubscribeSubscriber ends the live enrollment of subscriberID in a sequence.
func (m *Manager) UnsubscribeSubscriber(ctx context.Context, tenantID, sequenceID, subscriberID string) (*schema.SubscriberState, error) {
	rows, err := m.store.ListSubscribers(ctx, store.SubscriberFilter{
		TenantID:     tenantID,
		SequenceID:   sequenceID,
		SubscriberID: subscriberID,
	})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if !row.Status.IsTerminal() {
			return m.Unsubscribe(ctx, tenantID, row.ID)
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"subscriber %q has no live enrollment in sequence %q", subscriberID, sequenceID)
}

// PauseSubscriber holds an Active enrollment where it is.
func (m *Manager) PauseSubscriber(ctx context.Context, tenantID, stateID string) (*schema.SubscriberState, error) {
	return m.moveSubscriber(ctx, tenantID, stateID, schema.SubscriberStatusPaused)
}

// ResumeSubscriber reactivates a Paused enrollment. A send time that passed
// while paused makes the subscriber due on the next pass.
func (m *Manager) ResumeSubscriber(ctx context.Context, tenantID, stateID string) (*schema.SubscriberState, error) {
	return m.moveSubscriber(ctx, tenantID, stateID, schema.SubscriberStatusActive)
}

func (m *Manager) moveSubscriber(ctx context.Context, tenantID, stateID string, to schema.SubscriberStatus) (*schema.SubscriberState, error) {
	sub, err := m.store.GetSubscriber(ctx, tenantID, stateID)
	if err != nil {
		return nil, err
	}
	from := sub.Status
	ref := engine.Ref{TenantID: tenantID, SequenceID: sub.SequenceID, SubscriberStateID: sub.ID}

	var updated *schema.SubscriberState
	err = m.subscribers.Transition(ctx, ref, from, to, func(ctx context.Context) error {
		var err error
		updated, err = m.store.TransitionSubscriber(ctx, store.SubscriberTransition{
			TenantID: tenantID,
			ID:       stateID,
			From:     []schema.SubscriberStatus{from},
			To:       to,
			At:       m.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetSubscriber returns one subscriber state.
func (m *Manager) GetSubscriber(ctx context.Context, tenantID, stateID string) (*schema.SubscriberState, error) {
	return m.store.GetSubscriber(ctx, tenantID, stateID)
}

// ListSubscribers returns subscriber states matching filter.
func (m *Manager) ListSubscribers(ctx context.Context, filter store.SubscriberFilter) ([]*schema.SubscriberState, error) {
	return m.store.ListSubscribers(ctx, filter)
}
