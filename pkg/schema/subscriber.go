package schema

import "time"

const (
	// MaxErrorCount is the errorCount at which a subscriber becomes Failed.
	MaxErrorCount = 5
	// MaxBounces is the emailsBounced count at which a subscriber becomes Bounced.
	MaxBounces = 3
)

// SubscriberState is one enrollment of an end user into a sequence.
// CurrentStepID is empty once the subscriber has nothing left to execute.
type SubscriberState struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	SequenceID       string           `json:"sequence_id"`
	SubscriberID     string           `json:"subscriber_id"`
	Email            string           `json:"email,omitempty"`
	Status           SubscriberStatus `json:"status"`
	CurrentStepID    string           `json:"current_step_id,omitempty"`
	CurrentStepIndex int              `json:"current_step_index"`

	EnrolledAt      time.Time  `json:"enrolled_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	NextSendAt      *time.Time `json:"next_send_at,omitempty"`
	LastEmailSentAt *time.Time `json:"last_email_sent_at,omitempty"`

	EmailsSent    int               `json:"emails_sent"`
	EmailsOpened  int               `json:"emails_opened"`
	EmailsClicked int               `json:"emails_clicked"`
	EmailsBounced int               `json:"emails_bounced"`
	EngagementLog []EngagementEntry `json:"engagement_log,omitempty"`

	GoalAchieved   bool       `json:"goal_achieved"`
	GoalAchievedAt *time.Time `json:"goal_achieved_at,omitempty"`

	EnrollmentData map[string]any `json:"enrollment_data,omitempty"`
	CustomFields   map[string]any `json:"custom_fields,omitempty"`

	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
	ErrorCount  int        `json:"error_count"`

	// Version is bumped by every write and backs compare-and-swap claiming.
	Version      int64      `json:"version"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// EngagementEntry records the delivery of one email step.
type EngagementEntry struct {
	StepID    string     `json:"step_id"`
	SentAt    time.Time  `json:"sent_at"`
	MessageID string     `json:"message_id,omitempty"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClickedAt *time.Time `json:"clicked_at,omitempty"`
}

// Engagement returns the log entry for stepID, or nil if the step was never sent.
func (s *SubscriberState) Engagement(stepID string) *EngagementEntry {
	for i := range s.EngagementLog {
		if s.EngagementLog[i].StepID == stepID {
			return &s.EngagementLog[i]
		}
	}
	return nil
}

// IsDue reports whether the subscriber is eligible for execution at now.
func (s *SubscriberState) IsDue(now time.Time) bool {
	if s.Status != SubscriberStatusActive {
		return false
	}
	return s.NextSendAt == nil || !s.NextSendAt.After(now)
}

// Clone returns a deep copy suitable for mutation by the executor.
func (s *SubscriberState) Clone() *SubscriberState {
	c := *s
	c.EngagementLog = append([]EngagementEntry(nil), s.EngagementLog...)
	c.EnrollmentData = cloneMap(s.EnrollmentData)
	c.CustomFields = cloneMap(s.CustomFields)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
