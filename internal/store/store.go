package store

import (
	"context"

	"github.com/rendis/drip/pkg/schema"
)

// Store defines the persistence layer contract. Every read and write is
// keyed by tenant. All implementations must be safe for concurrent use.
type Store interface {
	// Sequences
	CreateSequence(ctx context.Context, seq *schema.Sequence) error
	GetSequence(ctx context.Context, tenantID, id string) (*schema.Sequence, error)
	ListSequences(ctx context.Context, filter SequenceFilter) ([]*schema.Sequence, error)
	// UpdateSequenceDefinition rewrites steps and configuration. It fails with
	// SEQUENCE_LOCKED when the stored sequence is active or archived.
	UpdateSequenceDefinition(ctx context.Context, seq *schema.Sequence) error
	// TransitionSequence moves status from -> to only if the stored status is from.
	TransitionSequence(ctx context.Context, t SequenceTransition) error

	// Subscriber states
	Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error)
	GetSubscriber(ctx context.Context, tenantID, id string) (*schema.SubscriberState, error)
	ListSubscribers(ctx context.Context, filter SubscriberFilter) ([]*schema.SubscriberState, error)
	ListDueSubscribers(ctx context.Context, filter DueFilter) ([]*schema.SubscriberState, error)
	// ClaimSubscriber reserves a due row for one worker. It returns false when
	// the row changed since it was read or another worker holds the claim.
	ClaimSubscriber(ctx context.Context, c Claim) (bool, error)
	ReleaseClaim(ctx context.Context, tenantID, id string, version int64) error
	// CommitSubscriber persists a mutated state and its counter delta in one
	// transaction, after re-reading the stored status.
	CommitSubscriber(ctx context.Context, c Commit) error
	// TransitionSubscriber applies an administrative status change (unsubscribe,
	// pause, resume) together with its counter delta.
	TransitionSubscriber(ctx context.Context, t SubscriberTransition) (*schema.SubscriberState, error)
	OccupiedSteps(ctx context.Context, tenantID, sequenceID string) ([]string, error)
	AggregateEngagement(ctx context.Context, tenantID, sequenceID string) (*EngagementTotals, error)

	// Audit events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Email templates
	PutTemplate(ctx context.Context, tpl *Template) error
	GetTemplate(ctx context.Context, tenantID, id string) (*Template, error)

	// Subscriber tags
	AddTag(ctx context.Context, tenantID, subscriberID, tag string) error
	RemoveTag(ctx context.Context, tenantID, subscriberID, tag string) error
	ListTags(ctx context.Context, tenantID, subscriberID string) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
