package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/drip/pkg/schema"
)

// IsRetryableError classifies whether a collaborator failure is transient.
// Transient failures count toward the collaborator's circuit breaker;
// permanent ones (bad config, unknown action, bounce) do not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancelled means the pass is shutting down, not that the collaborator failed.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var de *schema.DripError
	if errors.As(err, &de) {
		return de.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
		"throttling",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unrecognised errors still go through the subscriber's error budget but
	// do not count against the collaborator's breaker.
	return false
}

// BackoffPolicy computes how long a subscriber rests after a recorded error
// before the same step is retried.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoffPolicy starts at one minute and doubles up to one hour.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Minute, Max: time.Hour}
}

// Delay returns the rest period after the attempt-th consecutive error
// (attempt starts at 1): Base * 2^(attempt-1), capped at Max.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}
