package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

func TestEnroll_StartsAtFirstStep(t *testing.T) {
	h := newHarness(t)
	seq := h.activeSequence(t, CreateRequest{})

	sub, err := h.m.Enroll(context.Background(), EnrollRequest{
		TenantID:       seq.TenantID,
		SequenceID:     seq.ID,
		SubscriberID:   "jane",
		Email:          "jane@example.com",
		EnrollmentData: map[string]any{"source": "signup"},
		CustomFields:   map[string]any{"plan": "pro"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.SubscriberStatusActive, sub.Status)
	assert.Equal(t, "e1", sub.CurrentStepID)
	assert.Equal(t, 0, sub.CurrentStepIndex)
	require.NotNil(t, sub.NextSendAt)
	assert.Equal(t, t0, *sub.NextSendAt)
	assert.True(t, sub.IsDue(t0))

	stored, err := h.m.GetSubscriber(context.Background(), seq.TenantID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", stored.CustomFields["plan"])
	assert.Equal(t, "signup", stored.EnrollmentData["source"])

	got := h.sequence(t, seq)
	assert.Equal(t, int64(1), got.TotalSubscribers)
	assert.Equal(t, int64(1), got.ActiveSubscribers)
	assert.Contains(t, h.events.types(), schema.EventSubscriberEnrolled)
}

func TestEnroll_FirstStepDelay(t *testing.T) {
	h := newHarness(t)
	seq := h.activeSequence(t, CreateRequest{
		Steps: ordered(waitStep(t, "w", 1), emailStep(t, "e1")),
	})

	sub := h.enroll(t, seq, "jane")
	assert.Equal(t, "w", sub.CurrentStepID)
	assert.Equal(t, t0.Add(24*time.Hour), *sub.NextSendAt)
}

func TestEnroll_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Enroll(ctx, EnrollRequest{TenantID: "tenant-1", SequenceID: "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = h.m.Enroll(ctx, EnrollRequest{TenantID: "tenant-1", SequenceID: "missing", SubscriberID: "jane"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	draft, err := h.m.Create(ctx, CreateRequest{
		TenantID: "tenant-1", Name: "draft", Steps: ordered(emailStep(t, "e1")),
	})
	require.NoError(t, err)
	_, err = h.m.Enroll(ctx, EnrollRequest{TenantID: "tenant-1", SequenceID: draft.ID, SubscriberID: "jane"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeSequenceInactive))
}

func TestEnroll_Capacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	one := 1
	seq := h.activeSequence(t, CreateRequest{MaxSubscribers: &one})

	first := h.enroll(t, seq, "jane")
	_, err := h.m.Enroll(ctx, EnrollRequest{TenantID: seq.TenantID, SequenceID: seq.ID, SubscriberID: "john"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCapacityExceeded))
	assert.Equal(t, int64(1), h.sequence(t, seq).TotalSubscribers, "no state change")

	// Capacity frees up once the active subscriber leaves.
	_, err = h.m.Unsubscribe(ctx, seq.TenantID, first.ID)
	require.NoError(t, err)
	h.enroll(t, seq, "john")
}

func TestEnroll_ReentryAtCapacityReusesSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	one := 1
	seq := h.activeSequence(t, CreateRequest{MaxSubscribers: &one, AllowReentry: true})

	first := h.enroll(t, seq, "jane")
	second := h.enroll(t, seq, "jane")
	assert.NotEqual(t, first.ID, second.ID)

	old, err := h.m.GetSubscriber(ctx, seq.TenantID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SubscriberStatusUnsubscribed, old.Status)
	got := h.sequence(t, seq)
	assert.Equal(t, int64(1), got.ActiveSubscribers)
	assert.Equal(t, int64(2), got.TotalSubscribers)

	// Someone else still does not fit.
	_, err = h.m.Enroll(ctx, EnrollRequest{TenantID: seq.TenantID, SequenceID: seq.ID, SubscriberID: "john"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCapacityExceeded))
}

func TestEnroll_DuplicateWithoutReentry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.activeSequence(t, CreateRequest{})

	first := h.enroll(t, seq, "jane")
	_, err := h.m.Enroll(ctx, EnrollRequest{TenantID: seq.TenantID, SequenceID: seq.ID, SubscriberID: "jane"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyEnrolled))

	// Even a finished prior enrollment blocks re-entry.
	_, err = h.m.Unsubscribe(ctx, seq.TenantID, first.ID)
	require.NoError(t, err)
	_, err = h.m.Enroll(ctx, EnrollRequest{TenantID: seq.TenantID, SequenceID: seq.ID, SubscriberID: "jane"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyEnrolled))
}

func TestEnroll_ReentryAfterUnsubscribe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.activeSequence(t, CreateRequest{AllowReentry: true})

	first := h.enroll(t, seq, "jane")
	h.markSent(t, first, "e1")
	_, err := h.m.Unsubscribe(ctx, seq.TenantID, first.ID)
	require.NoError(t, err)

	h.now = t0.Add(time.Hour)
	second := h.enroll(t, seq, "jane")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "e1", second.CurrentStepID)
	assert.Zero(t, second.EmailsSent)

	old, err := h.m.GetSubscriber(ctx, seq.TenantID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SubscriberStatusUnsubscribed, old.Status)
	assert.Equal(t, 1, old.EmailsSent)

	got := h.sequence(t, seq)
	assert.Equal(t, int64(2), got.TotalSubscribers)
	assert.Equal(t, int64(1), got.ActiveSubscribers)
}

func TestEnroll_ReentryReplacesLiveEnrollment(t *testing.T) {
	h := newHarness(t)
	seq := h.activeSequence(t, CreateRequest{AllowReentry: true})

	first := h.enroll(t, seq, "jane")
	second := h.enroll(t, seq, "jane")

	old, err := h.m.GetSubscriber(context.Background(), seq.TenantID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SubscriberStatusUnsubscribed, old.Status)
	assert.Equal(t, schema.SubscriberStatusActive, second.Status)
	assert.Equal(t, int64(1), h.sequence(t, seq).ActiveSubscribers)
	assert.Contains(t, h.events.types(), schema.EventSubscriberUnsubscribed)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.activeSequence(t, CreateRequest{})
	sub := h.enroll(t, seq, "jane")

	got, err := h.m.Unsubscribe(ctx, seq.TenantID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SubscriberStatusUnsubscribed, got.Status)
	assert.Equal(t, int64(0), h.sequence(t, seq).ActiveSubscribers)

	_, err = h.m.Unsubscribe(ctx, seq.TenantID, sub.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "terminal states have no exits")
	assert.Equal(t, int64(0), h.sequence(t, seq).ActiveSubscribers)
}

func TestUnsubscribeSubscriber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.activeSequence(t, CreateRequest{})
	sub := h.enroll(t, seq, "jane")

	got, err := h.m.UnsubscribeSubscriber(ctx, seq.TenantID, seq.ID, "jane")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)

	_, err = h.m.UnsubscribeSubscriber(ctx, seq.TenantID, seq.ID, "jane")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestPauseResumeSubscriber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.activeSequence(t, CreateRequest{})
	sub := h.enroll(t, seq, "jane")

	paused, err := h.m.PauseSubscriber(ctx, seq.TenantID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SubscriberStatusPaused, paused.Status)
	assert.Equal(t, int64(0), h.sequence(t, seq).ActiveSubscribers)

	due, err := h.store.ListDueSubscribers(ctx, store.DueFilter{Now: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, due)

	resumed, err := h.m.ResumeSubscriber(ctx, seq.TenantID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SubscriberStatusActive, resumed.Status)
	assert.Equal(t, "e1", resumed.CurrentStepID)
	assert.Equal(t, int64(1), h.sequence(t, seq).ActiveSubscribers)

	_, err = h.m.ResumeSubscriber(ctx, seq.TenantID, sub.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	types := h.events.types()
	assert.Contains(t, types, schema.EventSubscriberPaused)
	assert.Contains(t, types, schema.EventSubscriberResumed)
}
