// Package delivery renders and sends the email for an Email step.
package delivery

import (
	"context"
	"time"

	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// Message is a fully rendered email ready for a transport.
type Message struct {
	TenantID  string
	To        string
	FromEmail string
	FromName  string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string
	// Tags are attached to the provider message for bounce/complaint routing.
	Tags map[string]string
}

// Transport hands a rendered message to a provider and returns its message id.
// A hard rejection of the recipient must be reported as a BOUNCE error.
type Transport interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

// Request identifies the step email to deliver to one subscriber.
type Request struct {
	TenantID   string
	SequenceID string
	StepID     string
	Config     schema.EmailConfig
	Subscriber *schema.SubscriberState
}

// Receipt is the result of a successful delivery.
type Receipt struct {
	MessageID string
	SentAt    time.Time
}

// TemplateStore resolves tenant templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, tenantID, id string) (*store.Template, error)
}
