package sequence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/internal/validation"
	"github.com/rendis/drip/pkg/schema"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingEvents struct {
	mu     sync.Mutex
	events []*store.Event
}

func (r *recordingEvents) AppendEvent(_ context.Context, ev *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	m      *Manager
	store  *store.LibSQLStore
	events *recordingEvents
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "drip.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	v, err := validation.NewSequenceValidator(nil)
	require.NoError(t, err)

	h := &harness{store: s, events: &recordingEvents{}, now: t0}
	h.m = NewManager(Config{
		Store:     s,
		Validator: v,
		Goals:     engine.NewGoalEvaluator(nil, nil),
		Events:    h.events,
		Now:       func() time.Time { return h.now },
	})
	return h
}

func mustStep(t *testing.T, id string, typ schema.StepType, cfg any) schema.Step {
	t.Helper()
	s, err := schema.NewStep(id, 0, typ, cfg)
	require.NoError(t, err)
	return s
}

func emailStep(t *testing.T, id string) schema.Step {
	return mustStep(t, id, schema.StepTypeEmail, schema.EmailConfig{TemplateID: "tpl-" + id})
}

func waitStep(t *testing.T, id string, days float64) schema.Step {
	return mustStep(t, id, schema.StepTypeWait, schema.WaitConfig{Delay: schema.Delay{Value: days, Unit: schema.DelayDays}})
}

// ordered assigns orders in slice order.
func ordered(steps ...schema.Step) []schema.Step {
	for i := range steps {
		steps[i].Order = i
	}
	return steps
}

func (h *harness) activeSequence(t *testing.T, req CreateRequest) *schema.Sequence {
	t.Helper()
	ctx := context.Background()
	if req.TenantID == "" {
		req.TenantID = "tenant-1"
	}
	if req.Name == "" {
		req.Name = "onboarding"
	}
	if req.Steps == nil {
		req.Steps = ordered(emailStep(t, "e1"), waitStep(t, "w", 3), emailStep(t, "e2"))
	}
	seq, err := h.m.Create(ctx, req)
	require.NoError(t, err)
	seq, err = h.m.Activate(ctx, seq.TenantID, seq.ID)
	require.NoError(t, err)
	return seq
}

func (h *harness) enroll(t *testing.T, seq *schema.Sequence, subscriberID string) *schema.SubscriberState {
	t.Helper()
	sub, err := h.m.Enroll(context.Background(), EnrollRequest{
		TenantID:     seq.TenantID,
		SequenceID:   seq.ID,
		SubscriberID: subscriberID,
		Email:        subscriberID + "@example.com",
	})
	require.NoError(t, err)
	return sub
}

// markSent records a delivered email on the stored active row, as the dispatcher would.
func (h *harness) markSent(t *testing.T, sub *schema.SubscriberState, stepID string) *schema.SubscriberState {
	t.Helper()
	return h.commitSent(t, sub, stepID, nil)
}

// markSentOnStored is markSent for a row in any status.
func (h *harness) markSentOnStored(t *testing.T, sub *schema.SubscriberState, stepID string) *schema.SubscriberState {
	t.Helper()
	return h.commitSent(t, sub, stepID, []schema.SubscriberStatus{sub.Status})
}

func (h *harness) commitSent(t *testing.T, sub *schema.SubscriberState, stepID string, requireStatus []schema.SubscriberStatus) *schema.SubscriberState {
	t.Helper()
	ctx := context.Background()
	cur, err := h.store.GetSubscriber(ctx, sub.TenantID, sub.ID)
	require.NoError(t, err)

	next := cur.Clone()
	next.EmailsSent++
	next.EngagementLog = append(next.EngagementLog, schema.EngagementEntry{StepID: stepID, SentAt: h.now})
	next.UpdatedAt = h.now
	require.NoError(t, h.store.CommitSubscriber(ctx, store.Commit{
		State:           next,
		ExpectedVersion: cur.Version,
		RequireStatus:   requireStatus,
		Delta:           store.CounterDelta{EmailsSent: 1},
	}))
	return next
}

func (h *harness) sequence(t *testing.T, seq *schema.Sequence) *schema.Sequence {
	t.Helper()
	got, err := h.store.GetSequence(context.Background(), seq.TenantID, seq.ID)
	require.NoError(t, err)
	return got
}
