package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	tenantIDKey ctxKey = iota
	sequenceIDKey
	subscriberIDKey
	stepIDKey
)

// correlationKeys lists every correlation ID in the order it is logged.
var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{tenantIDKey, "tenant_id"},
	{sequenceIDKey, "sequence_id"},
	{subscriberIDKey, "subscriber_state_id"},
	{stepIDKey, "step_id"},
}

// WithTenantID returns a context with the tenant ID set.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// WithSequenceID returns a context with the sequence ID set.
func WithSequenceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sequenceIDKey, id)
}

// WithSubscriberID returns a context with the subscriber state ID set.
func WithSubscriberID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, subscriberIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithIDs sets tenant, sequence and subscriber IDs at once.
func WithIDs(ctx context.Context, tenantID, sequenceID, subscriberID string) context.Context {
	ctx = WithTenantID(ctx, tenantID)
	ctx = WithSequenceID(ctx, sequenceID)
	return WithSubscriberID(ctx, subscriberID)
}

// TenantID extracts the tenant ID from the context, or "" if absent.
func TenantID(ctx context.Context) string { return value(ctx, tenantIDKey) }

// SequenceID extracts the sequence ID from the context, or "" if absent.
func SequenceID(ctx context.Context) string { return value(ctx, sequenceIDKey) }

// SubscriberID extracts the subscriber state ID from the context, or "" if absent.
func SubscriberID(ctx context.Context) string { return value(ctx, subscriberIDKey) }

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string { return value(ctx, stepIDKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, c := range correlationKeys {
		if v := value(ctx, c.key); v != "" {
			attrs = append(attrs, slog.String(c.attr, v))
		}
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record logged with a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// New builds the process logger: JSON or text output at the named level,
// wrapped in a CorrelationHandler.
func New(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(h))
}

// ParseLevel maps debug/info/warn/error to an slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactEmail masks the local part of an address: jane@example.com -> j***@example.com.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		if email == "" {
			return ""
		}
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
