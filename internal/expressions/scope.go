package expressions

import (
	"time"

	"github.com/rendis/drip/pkg/schema"
)

// scopeKeys are the top-level variables visible to goal expressions.
var scopeKeys = []string{"subscriber", "fields", "enrollment"}

// SubscriberScope builds the expression data for one subscriber:
//   - subscriber: status, step pointer, counters and error tracking
//   - fields:     customFields
//   - enrollment: enrollmentData
//
// Maps are copied so expressions cannot mutate the subscriber.
func SubscriberScope(sub *schema.SubscriberState) map[string]any {
	s := map[string]any{
		"id":                 sub.ID,
		"subscriber_id":      sub.SubscriberID,
		"status":             string(sub.Status),
		"current_step_id":    sub.CurrentStepID,
		"current_step_index": int64(sub.CurrentStepIndex),
		"emails_sent":        int64(sub.EmailsSent),
		"emails_opened":      int64(sub.EmailsOpened),
		"emails_clicked":     int64(sub.EmailsClicked),
		"emails_bounced":     int64(sub.EmailsBounced),
		"error_count":        int64(sub.ErrorCount),
		"goal_achieved":      sub.GoalAchieved,
		"enrolled_at":        sub.EnrolledAt.UTC().Format(time.RFC3339),
	}
	return map[string]any{
		"subscriber": s,
		"fields":     copyMap(sub.CustomFields),
		"enrollment": copyMap(sub.EnrollmentData),
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
