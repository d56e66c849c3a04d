package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/drip/pkg/schema"
)

// CounterDelta is a set of increments applied to a sequence's aggregate
// counters in the same transaction as the subscriber change that caused them.
type CounterDelta struct {
	Total      int64 `json:"total,omitempty"`
	Active     int64 `json:"active,omitempty"`
	Completed  int64 `json:"completed,omitempty"`
	EmailsSent int64 `json:"emails_sent,omitempty"`
}

// IsZero reports whether applying d would change nothing.
func (d CounterDelta) IsZero() bool {
	return d == CounterDelta{}
}

// Add returns the field-wise sum of d and o.
func (d CounterDelta) Add(o CounterDelta) CounterDelta {
	return CounterDelta{
		Total:      d.Total + o.Total,
		Active:     d.Active + o.Active,
		Completed:  d.Completed + o.Completed,
		EmailsSent: d.EmailsSent + o.EmailsSent,
	}
}

// SequenceFilter specifies criteria for listing sequences.
type SequenceFilter struct {
	TenantID string
	Status   *schema.SequenceStatus
	Limit    int
	Offset   int
}

// SequenceTransition is a compare-and-swap on sequence status.
type SequenceTransition struct {
	TenantID string
	ID       string
	From     schema.SequenceStatus
	To       schema.SequenceStatus
	At       time.Time
}

// EnrollRequest creates a fresh subscriber state. With AllowReentry set,
// an existing active or paused row for the same subscriber is unsubscribed
// in the same transaction; without it, any prior row rejects the request.
type EnrollRequest struct {
	State *schema.SubscriberState
	Now   time.Time
}

// EnrollResult reports the created state and any rows it displaced.
type EnrollResult struct {
	State    *schema.SubscriberState
	Replaced []string
}

// SubscriberFilter specifies criteria for listing subscriber states.
type SubscriberFilter struct {
	TenantID     string
	SequenceID   string
	SubscriberID string
	Status       *schema.SubscriberStatus
	Limit        int
	Offset       int
}

// DueFilter selects active subscribers whose next send time has passed,
// whose claim lease (if any) has expired, and whose sequence is active.
type DueFilter struct {
	TenantID string
	Now      time.Time
	Limit    int
}

// Claim is the optimistic reservation of one subscriber row.
type Claim struct {
	TenantID        string
	ID              string
	ExpectedVersion int64
	Now             time.Time
	LeaseUntil      time.Time
}

// Commit persists the executor's result for a claimed row.
type Commit struct {
	State           *schema.SubscriberState
	ExpectedVersion int64
	// RequireStatus is the stored status that must still hold. Empty means active.
	RequireStatus []schema.SubscriberStatus
	Delta         CounterDelta
}

// SubscriberTransition is an administrative status change.
type SubscriberTransition struct {
	TenantID string
	ID       string
	From     []schema.SubscriberStatus
	To       schema.SubscriberStatus
	At       time.Time
}

// EngagementTotals aggregates engagement counters across a sequence's rows.
type EngagementTotals struct {
	EmailsSent    int64
	EmailsOpened  int64
	EmailsClicked int64
	EmailsBounced int64
}

// Event is an append-only audit record.
type Event struct {
	ID                int64           `json:"id"`
	TenantID          string          `json:"tenant_id"`
	SequenceID        string          `json:"sequence_id,omitempty"`
	SubscriberStateID string          `json:"subscriber_state_id,omitempty"`
	StepID            string          `json:"step_id,omitempty"`
	Type              string          `json:"event_type"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	TenantID          string
	SequenceID        string
	SubscriberStateID string
	Type              string
	Since             *time.Time
	Limit             int
}

// Template is a tenant email template rendered with liquid.
type Template struct {
	TenantID  string    `json:"tenant_id"`
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	Text      string    `json:"text,omitempty"`
	FromEmail string    `json:"from_email,omitempty"`
	FromName  string    `json:"from_name,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
