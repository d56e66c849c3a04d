package schema

// Event type constants for the audit log.
const (
	EventSequenceCreated   = "sequence_created"
	EventSequenceUpdated   = "sequence_updated"
	EventSequenceActivated = "sequence_activated"
	EventSequencePaused    = "sequence_paused"
	EventSequenceCompleted = "sequence_completed"
	EventSequenceArchived  = "sequence_archived"

	EventSubscriberEnrolled     = "subscriber_enrolled"
	EventSubscriberUnsubscribed = "subscriber_unsubscribed"
	EventSubscriberPaused       = "subscriber_paused"
	EventSubscriberResumed      = "subscriber_resumed"
	EventSubscriberCompleted    = "subscriber_completed"
	EventSubscriberBounced      = "subscriber_bounced"
	EventSubscriberFailed       = "subscriber_failed"

	EventStepExecuted  = "step_executed"
	EventStepErrored   = "step_errored"
	EventStepDeferred  = "step_deferred"
	EventGoalAchieved  = "goal_achieved"
	EventEmailOpened   = "email_opened"
	EventEmailClicked  = "email_clicked"
	EventCircuitOpened = "circuit_breaker_open"
)

// SequenceStatus represents the lifecycle state of a sequence.
type SequenceStatus string

const (
	SequenceStatusDraft     SequenceStatus = "draft"
	SequenceStatusActive    SequenceStatus = "active"
	SequenceStatusPaused    SequenceStatus = "paused"
	SequenceStatusCompleted SequenceStatus = "completed"
	SequenceStatusArchived  SequenceStatus = "archived"
)

// SubscriberStatus represents the lifecycle state of one enrollment.
type SubscriberStatus string

const (
	SubscriberStatusActive       SubscriberStatus = "active"
	SubscriberStatusPaused       SubscriberStatus = "paused"
	SubscriberStatusCompleted    SubscriberStatus = "completed"
	SubscriberStatusUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberStatusBounced      SubscriberStatus = "bounced"
	SubscriberStatusFailed       SubscriberStatus = "failed"
)

// IsTerminal reports whether no transition leaves s except a fresh enrollment.
func (s SubscriberStatus) IsTerminal() bool {
	switch s {
	case SubscriberStatusCompleted, SubscriberStatusUnsubscribed,
		SubscriberStatusBounced, SubscriberStatusFailed:
		return true
	}
	return false
}
