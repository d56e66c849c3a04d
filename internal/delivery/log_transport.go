package delivery

import (
	"context"
	"log/slog"
	"net/mail"

	"github.com/google/uuid"

	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/pkg/schema"
)

// LogTransport writes messages to the log instead of sending them. It is
// used when no provider credentials are configured.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a LogTransport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

// Send logs msg. Unparseable recipient addresses are rejected as bounces,
// the same way a provider would reject them.
func (t *LogTransport) Send(ctx context.Context, msg *Message) (string, error) {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeBounce, "invalid recipient: %v", err).WithCause(err)
	}
	id := uuid.NewString()
	logging.LogWith(ctx, t.logger).InfoContext(ctx, "email sent (log transport)",
		slog.String("message_id", id),
		slog.String("to", logging.RedactEmail(msg.To)),
		slog.String("subject", msg.Subject),
	)
	return id, nil
}
