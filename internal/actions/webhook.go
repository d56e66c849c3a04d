package actions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/drip/pkg/schema"
)

// WebhookConfig configures the webhook action.
type WebhookConfig struct {
	Timeout         time.Duration
	MaxResponseBody int64
	// Client overrides the HTTP client; tests point it at httptest servers.
	Client *http.Client
}

const (
	defaultWebhookTimeout  = 10 * time.Second
	defaultMaxResponseBody = 1 << 20

	// SignatureHeader carries "sha256=<hex hmac>" of the request body when
	// the step config has a secret.
	SignatureHeader = "X-Drip-Signature"
)

const webhookInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["POST", "PUT", "PATCH"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "payload": {"type": "object"},
    "secret": {"type": "string"}
  },
  "required": ["url"]
}`

// WebhookAction implements the "webhook" action: a JSON POST describing the
// subscriber and step to an external URL.
type WebhookAction struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookAction creates the webhook action.
func NewWebhookAction(cfg WebhookConfig) *WebhookAction {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookAction{config: cfg, client: client}
}

func (a *WebhookAction) Name() string { return string(schema.ActionWebhook) }

func (a *WebhookAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "POST the subscriber context as JSON to an external URL.",
		InputSchema: json.RawMessage(webhookInputSchema),
	}
}

func (a *WebhookAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "webhook: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook: invalid url %q", rawURL)
	}
	return nil
}

// webhookPayload is the request body sent to the receiver.
type webhookPayload struct {
	Event             string         `json:"event"`
	TenantID          string         `json:"tenant_id"`
	SequenceID        string         `json:"sequence_id"`
	StepID            string         `json:"step_id"`
	SubscriberStateID string         `json:"subscriber_state_id,omitempty"`
	SubscriberID      string         `json:"subscriber_id,omitempty"`
	Email             string         `json:"email,omitempty"`
	CustomFields      map[string]any `json:"custom_fields,omitempty"`
	Data              map[string]any `json:"data,omitempty"`
	SentAt            time.Time      `json:"sent_at"`
}

func (a *WebhookAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	method := strings.ToUpper(stringParam(params, "method", http.MethodPost))
	rawURL := stringParam(params, "url", "")

	payload := webhookPayload{
		Event:      "sequence.step",
		TenantID:   input.TenantID,
		SequenceID: input.SequenceID,
		StepID:     input.StepID,
		Data:       mapParam(params, "payload"),
		SentAt:     time.Now().UTC(),
	}
	if sub := input.Subscriber; sub != nil {
		payload.SubscriberStateID = sub.ID
		payload.SubscriberID = sub.SubscriberID
		payload.Email = sub.Email
		payload.CustomFields = sub.CustomFields
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "webhook: failed to marshal payload").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "webhook: failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range mapParam(params, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	if secret := stringParam(params, "secret", ""); secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign([]byte(secret), body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "webhook: no response within %s", a.config.Timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "webhook: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "webhook: failed to read response body").WithCause(err)
	}

	result := map[string]any{"status_code": resp.StatusCode}
	if len(respBody) > 0 {
		var parsed any
		if json.Unmarshal(respBody, &parsed) == nil {
			result["body"] = parsed
		} else {
			result["body"] = string(respBody)
		}
	}

	// 4xx means the receiver rejected the payload; retrying will not help.
	if resp.StatusCode >= 400 {
		code := schema.ErrCodeExecution
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			code = schema.ErrCodeValidation
		}
		return nil, schema.NewErrorf(code, "webhook: receiver returned %d", resp.StatusCode).
			WithDetails(result)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "webhook: failed to marshal output").WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
