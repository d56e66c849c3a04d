package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/pkg/schema"
)

// Mailer resolves the step's template, renders it for the subscriber,
// applies the send throttle and hands the message to the transport.
type Mailer struct {
	templates TemplateStore
	renderer  *Renderer
	transport Transport
	throttle  *Throttle
	fromEmail string
	fromName  string
	logger    *slog.Logger
	now       func() time.Time
}

// MailerConfig holds Mailer dependencies. Throttle may be nil.
type MailerConfig struct {
	Templates TemplateStore
	Renderer  *Renderer
	Transport Transport
	Throttle  *Throttle
	FromEmail string
	FromName  string
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewMailer creates a Mailer.
func NewMailer(cfg MailerConfig) *Mailer {
	if cfg.Renderer == nil {
		cfg.Renderer = NewRenderer()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Mailer{
		templates: cfg.Templates,
		renderer:  cfg.Renderer,
		transport: cfg.Transport,
		throttle:  cfg.Throttle,
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Deliver sends the email for one Email step.
func (m *Mailer) Deliver(ctx context.Context, req Request) (*Receipt, error) {
	sub := req.Subscriber
	if sub == nil || sub.Email == "" {
		return nil, schema.NewError(schema.ErrCodeBounce, "subscriber has no email address").WithStep(req.StepID)
	}

	tpl, err := m.templates.GetTemplate(ctx, req.TenantID, req.Config.TemplateID)
	if err != nil {
		return nil, err
	}

	rendered, err := m.renderer.Render(tpl, req.Config.Subject, Bindings(req))
	if err != nil {
		return nil, err
	}

	if err := m.throttle.Acquire(ctx, req.TenantID); err != nil {
		return nil, err
	}

	msg := &Message{
		TenantID:  req.TenantID,
		To:        sub.Email,
		FromEmail: firstNonEmpty(tpl.FromEmail, m.fromEmail),
		FromName:  firstNonEmpty(tpl.FromName, m.fromName),
		Subject:   rendered.Subject,
		HTML:      rendered.HTML,
		Text:      rendered.Text,
		Tags: map[string]string{
			"tenant_id":           req.TenantID,
			"sequence_id":         req.SequenceID,
			"step_id":             req.StepID,
			"subscriber_state_id": sub.ID,
		},
	}

	id, err := m.transport.Send(ctx, msg)
	if err != nil {
		logging.LogWith(ctx, m.logger).WarnContext(ctx, "email send failed",
			slog.String("to", logging.RedactEmail(sub.Email)),
			slog.String("template_id", req.Config.TemplateID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return &Receipt{MessageID: id, SentAt: m.now()}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
