package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/lock"
	"github.com/rendis/drip/internal/sequence"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

const welcomeYAML = `
name: welcome
templates:
  - id: hello
    subject: "Hello {{ first_name | default: 'there' }}"
    html: "<p>Welcome aboard</p>"
steps:
  - id: e1
    type: email
    config: {template_id: hello}
  - id: w
    type: wait
    config:
      delay: {value: 1, unit: days}
  - id: e2
    type: email
    config: {template_id: hello}
activate: true
`

func TestApp_EnrollAndPass(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "drip.db")
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.SendRatePerMinute = 100
	cfg.SES.FromEmail = "news@example.com"

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })

	req, templates, activate, err := parseSequenceFile([]byte(welcomeYAML), "acme")
	require.NoError(t, err)
	seq, err := loadSequence(ctx, a.store, a.manager, req, templates, activate)
	require.NoError(t, err)
	require.Equal(t, schema.SequenceStatusActive, seq.Status)

	sub, err := a.manager.Enroll(ctx, sequence.EnrollRequest{
		TenantID:     "acme",
		SequenceID:   seq.ID,
		SubscriberID: "u1",
		Email:        "jane@example.com",
		CustomFields: map[string]any{"first_name": "Jane"},
	})
	require.NoError(t, err)

	res, err := a.scheduler.RunOnce(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	got, err := a.manager.GetSubscriber(ctx, "acme", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "w", got.CurrentStepID)
	assert.Equal(t, 1, got.EmailsSent)

	// The pass lock is gone and the tenant's send budget was charged.
	assert.False(t, mr.Exists(lock.PassKey("")))
	assert.True(t, mr.Exists("drip:throttle:acme"))

	assert.Eventually(t, func() bool {
		events, err := a.store.ListEvents(ctx, store.EventFilter{TenantID: "acme", Type: schema.EventStepExecuted})
		return err == nil && len(events) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// Nothing else is due before the wait elapses.
	res, err = a.scheduler.RunOnce(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestApp_BadRedisURL(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "drip.db")
	cfg.RedisURL = "not a url"

	_, err := newApp(context.Background(), cfg)
	assert.Error(t, err)
}

func TestApp_BadSchedule(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "drip.db")
	cfg.DispatchSchedule = "whenever"

	_, err := newApp(context.Background(), cfg)
	assert.Error(t, err)
}
