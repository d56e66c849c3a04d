package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendis/drip/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookInput(url string, extra map[string]any) ActionInput {
	params := map[string]any{"url": url}
	for k, v := range extra {
		params[k] = v
	}
	return ActionInput{
		TenantID:   "t1",
		SequenceID: "seq-1",
		StepID:     "hook",
		Params:     params,
		Subscriber: &schema.SubscriberState{
			ID:           "state-1",
			SubscriberID: "user-1",
			Email:        "jane@example.com",
			CustomFields: map[string]any{"plan": "pro"},
		},
	}
}

func TestWebhook_PostsSignedPayload(t *testing.T) {
	var (
		gotBody   []byte
		gotSig    string
		gotHeader string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotHeader = r.Header.Get("X-Custom")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	a := NewWebhookAction(WebhookConfig{})
	input := webhookInput(srv.URL, map[string]any{
		"secret":  "s3cret",
		"headers": map[string]any{"X-Custom": "yes"},
		"payload": map[string]any{"campaign": "spring"},
	})
	require.NoError(t, a.Validate(input.Params))

	out, err := a.Execute(context.Background(), input)
	require.NoError(t, err)

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "seq-1", payload.SequenceID)
	assert.Equal(t, "hook", payload.StepID)
	assert.Equal(t, "user-1", payload.SubscriberID)
	assert.Equal(t, "pro", payload.CustomFields["plan"])
	assert.Equal(t, "spring", payload.Data["campaign"])

	assert.Equal(t, "sha256="+Sign([]byte("s3cret"), gotBody), gotSig)
	assert.Equal(t, "yes", gotHeader)

	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	assert.Equal(t, float64(200), result["status_code"])
	assert.Equal(t, map[string]any{"received": true}, result["body"])
}

func TestWebhook_NoSecretNoSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := NewWebhookAction(WebhookConfig{}).Execute(context.Background(), webhookInput(srv.URL, nil))
	require.NoError(t, err)
}

func TestWebhook_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusInternalServerError, schema.ErrCodeExecution},
		{http.StatusTooManyRequests, schema.ErrCodeExecution},
		{http.StatusBadRequest, schema.ErrCodeValidation},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := NewWebhookAction(WebhookConfig{}).Execute(context.Background(), webhookInput(srv.URL, nil))
		srv.Close()

		require.Error(t, err, tc.status)
		assert.True(t, schema.IsCode(err, tc.code), "status %d: %v", tc.status, err)
	}
}

func TestWebhook_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := NewWebhookAction(WebhookConfig{Timeout: 50 * time.Millisecond})
	_, err := a.Execute(context.Background(), webhookInput(srv.URL, nil))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout), err)
}

func TestWebhook_Validate(t *testing.T) {
	a := NewWebhookAction(WebhookConfig{})
	assert.NoError(t, a.Validate(map[string]any{"url": "https://hooks.example.com/x"}))

	for _, params := range []map[string]any{
		{},
		{"url": "ftp://example.com"},
		{"url": "not a url"},
	} {
		err := a.Validate(params)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "%v", params)
	}
}
