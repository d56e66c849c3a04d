package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/actions"
	"github.com/rendis/drip/internal/delivery"
	"github.com/rendis/drip/pkg/schema"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func mustStep(t *testing.T, id string, order int, typ schema.StepType, cfg any) schema.Step {
	t.Helper()
	st, err := schema.NewStep(id, order, typ, cfg)
	require.NoError(t, err)
	return st
}

func emailStep(t *testing.T, id string, order int) schema.Step {
	return mustStep(t, id, order, schema.StepTypeEmail, schema.EmailConfig{TemplateID: "tpl-" + id})
}

func waitStep(t *testing.T, id string, order int, value float64, unit schema.DelayUnit) schema.Step {
	return mustStep(t, id, order, schema.StepTypeWait, schema.WaitConfig{Delay: schema.Delay{Value: value, Unit: unit}})
}

func conditionStep(t *testing.T, id string, order int, cfg schema.ConditionConfig) schema.Step {
	return mustStep(t, id, order, schema.StepTypeCondition, cfg)
}

func actionStep(t *testing.T, id string, order int, typ schema.ActionType, params map[string]any) schema.Step {
	return mustStep(t, id, order, schema.StepTypeAction, schema.ActionConfig{Type: typ, Config: params})
}

func testSequence(steps ...schema.Step) *schema.Sequence {
	return &schema.Sequence{
		ID:       "seq-1",
		TenantID: "tenant-1",
		Name:     "onboarding",
		Status:   schema.SequenceStatusActive,
		Steps:    steps,
	}
}

func mustGraph(t *testing.T, seq *schema.Sequence) *StepGraph {
	t.Helper()
	g, err := ParseStepGraph(seq.Steps)
	require.NoError(t, err)
	return g
}

func activeSubscriber(seq *schema.Sequence, stepID string) *schema.SubscriberState {
	at := t0
	return &schema.SubscriberState{
		ID:            uuid.NewString(),
		TenantID:      seq.TenantID,
		SequenceID:    seq.ID,
		SubscriberID:  "user-1",
		Email:         "jane@example.com",
		Status:        schema.SubscriberStatusActive,
		CurrentStepID: stepID,
		EnrolledAt:    t0,
		NextSendAt:    &at,
		Version:       1,
	}
}

// fakeMailer records deliveries and answers with fn when set.
type fakeMailer struct {
	mu   sync.Mutex
	sent []delivery.Request
	fn   func(ctx context.Context, req delivery.Request) error
}

func (m *fakeMailer) Deliver(ctx context.Context, req delivery.Request) (*delivery.Receipt, error) {
	if m.fn != nil {
		if err := m.fn(ctx, req); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, req)
	return &delivery.Receipt{MessageID: "msg-" + req.StepID}, nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// fakePerformer answers every action with out or err.
type fakePerformer struct {
	mu    sync.Mutex
	calls []string
	out   *actions.ActionOutput
	err   error
}

func (p *fakePerformer) Perform(_ context.Context, name string, _ actions.ActionInput) (*actions.ActionOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
	if p.err != nil {
		return nil, p.err
	}
	if p.out == nil {
		return &actions.ActionOutput{}, nil
	}
	return p.out, nil
}

func eventTypes(out *Outcome) []string {
	types := make([]string, len(out.Events))
	for i, ev := range out.Events {
		types[i] = ev.Type
	}
	return types
}
