package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/drip/internal/delivery"
	"github.com/rendis/drip/pkg/schema"
)

// handleCollaboratorError routes a failed email or action call. Bounces and
// throttling have their own paths; everything else is a recorded error, and
// only transient failures count against the collaborator's breaker.
func (e *Executor) handleCollaboratorError(out *Outcome, breakerKey string, err error) {
	switch {
	case schema.IsCode(err, schema.ErrCodeBounce):
		// The provider answered, so the collaborator itself is healthy.
		e.breakers.RecordSuccess(breakerKey)
		e.recordBounce(out, err)
	case schema.IsCode(err, schema.ErrCodeThrottled):
		wait := delivery.RetryAfter(err)
		if wait <= 0 {
			wait = time.Minute
		}
		e.deferUntil(out, out.now.Add(wait), err)
	default:
		if IsRetryableError(err) {
			if e.breakers.RecordFailure(breakerKey) == CircuitOpen {
				out.emit(schema.EventCircuitOpened, e.breakers.Snapshot(breakerKey).Payload())
			}
		}
		e.handleStepError(out, err)
	}
}

// handleStepError records an execution error. The same step is retried
// after an exponential backoff until MaxErrorCount consecutive errors,
// at which point the subscriber fails.
func (e *Executor) handleStepError(out *Outcome, err error) {
	state := out.State
	at := out.now
	state.ErrorCount++
	state.LastError = err.Error()
	state.LastErrorAt = &at
	out.Err = err

	payload := map[string]any{
		"error":       err.Error(),
		"code":        schema.ErrorCode(err),
		"error_count": state.ErrorCount,
	}

	if state.ErrorCount >= schema.MaxErrorCount {
		e.terminate(out, schema.SubscriberStatusFailed, OutcomeFailed)
		out.emit(schema.EventStepErrored, payload)
		out.emit(schema.EventSubscriberFailed, payload)
		return
	}

	retryAt := at.Add(e.backoff.Delay(state.ErrorCount))
	state.NextSendAt = &retryAt
	out.Kind = OutcomeErrored
	payload["retry_at"] = retryAt.UTC().Format(time.RFC3339)
	out.emit(schema.EventStepErrored, payload)
}

// recordBounce counts a bounced send. Bounces do not touch errorCount;
// MaxBounces of them end the journey as Bounced.
func (e *Executor) recordBounce(out *Outcome, err error) {
	state := out.State
	at := out.now
	state.EmailsBounced++
	state.LastError = err.Error()
	state.LastErrorAt = &at
	out.Err = err

	payload := map[string]any{
		"error":          err.Error(),
		"emails_bounced": state.EmailsBounced,
	}
	if state.EmailsBounced >= schema.MaxBounces {
		e.terminate(out, schema.SubscriberStatusBounced, OutcomeBounced)
		out.emit(schema.EventSubscriberBounced, payload)
		return
	}

	retryAt := at.Add(e.backoff.Delay(state.EmailsBounced))
	state.NextSendAt = &retryAt
	out.Kind = OutcomeErrored
	out.emit(schema.EventStepErrored, payload)
}

func (e *Executor) terminate(out *Outcome, to schema.SubscriberStatus, kind OutcomeKind) {
	state := out.State
	out.Delta = out.Delta.Add(statusDelta(state.Status, to))
	state.Status = to
	state.NextSendAt = nil
	out.Kind = kind
}

// asTimeout turns an error caused by the per-call deadline into a
// TIMEOUT_ERROR so it is reported uniformly.
func asTimeout(err error, timedOut bool, limit time.Duration) error {
	if !timedOut || schema.IsCode(err, schema.ErrCodeTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || schema.ErrorCode(err) == "" || schema.IsCode(err, schema.ErrCodeExecution) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "no response within %s", limit).WithCause(err)
	}
	return err
}
