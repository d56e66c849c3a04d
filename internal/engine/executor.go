package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/drip/internal/actions"
	"github.com/rendis/drip/internal/delivery"
	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// Mailer delivers the email of one Email step.
type Mailer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Receipt, error)
}

// ActionPerformer runs a named action for one Action step.
type ActionPerformer interface {
	Perform(ctx context.Context, name string, input actions.ActionInput) (*actions.ActionOutput, error)
}

// OutcomeKind classifies what one execution did to a subscriber.
type OutcomeKind string

const (
	OutcomeAdvanced  OutcomeKind = "advanced"
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeBounced   OutcomeKind = "bounced"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeErrored   OutcomeKind = "errored"
	OutcomeDeferred  OutcomeKind = "deferred"
)

// Outcome is the result of executing one step: the new state to persist,
// the counter delta to apply with it, and the audit events to emit after
// the commit succeeds.
type Outcome struct {
	Kind   OutcomeKind
	State  *schema.SubscriberState
	Delta  store.CounterDelta
	StepID string
	// Err is the collaborator failure that was recorded or deferred on.
	Err    error
	Events []*store.Event

	now time.Time
}

const (
	// DefaultSendTimeout bounds one email delivery.
	DefaultSendTimeout = 30 * time.Second
	// DefaultActionTimeout bounds one action call.
	DefaultActionTimeout = 15 * time.Second

	emailBreakerKey = "email"
)

// ExecutorConfig holds the Executor's collaborators and limits.
type ExecutorConfig struct {
	Mailer        Mailer
	Actions       ActionPerformer
	Conditions    *ConditionEvaluator
	Goals         *GoalEvaluator
	Breakers      *CircuitBreakerRegistry
	Backoff       BackoffPolicy
	SendTimeout   time.Duration
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

// Executor runs exactly one step for one subscriber. It never persists
// anything itself: the caller commits the returned Outcome.
type Executor struct {
	mailer        Mailer
	actions       ActionPerformer
	conditions    *ConditionEvaluator
	goals         *GoalEvaluator
	breakers      *CircuitBreakerRegistry
	backoff       BackoffPolicy
	sendTimeout   time.Duration
	actionTimeout time.Duration
	logger        *slog.Logger
}

// NewExecutor creates an Executor, filling unset config with defaults.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Conditions == nil {
		cfg.Conditions = NewConditionEvaluator(nil, cfg.Logger)
	}
	if cfg.Goals == nil {
		cfg.Goals = NewGoalEvaluator(nil, cfg.Conditions)
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	return &Executor{
		mailer:        cfg.Mailer,
		actions:       cfg.Actions,
		conditions:    cfg.Conditions,
		goals:         cfg.Goals,
		breakers:      cfg.Breakers,
		backoff:       cfg.Backoff,
		sendTimeout:   cfg.SendTimeout,
		actionTimeout: cfg.ActionTimeout,
		logger:        cfg.Logger,
	}
}

// StepBudget is the longest a single step can spend in collaborator calls.
func (e *Executor) StepBudget() time.Duration {
	return max(e.sendTimeout, e.actionTimeout)
}

// Execute runs the subscriber's current step against graph. sub is not
// modified; the returned Outcome carries a mutated copy. The only error
// returned is ctx's, when the pass is cancelled mid-step.
func (e *Executor) Execute(ctx context.Context, seq *schema.Sequence, graph *StepGraph, sub *schema.SubscriberState, now time.Time) (*Outcome, error) {
	state := sub.Clone()
	state.UpdatedAt = now
	out := &Outcome{State: state, StepID: state.CurrentStepID, now: now}
	ctx = logging.WithIDs(ctx, seq.TenantID, seq.ID, sub.ID)
	logger := logging.LogWith(ctx, e.logger)

	newly, exit, err := e.goals.MarkGoal(ctx, seq, state, now)
	if err != nil {
		logger.WarnContext(ctx, "goal evaluation failed", slog.String("error", err.Error()))
	}
	if newly {
		out.emit(schema.EventGoalAchieved, nil)
	}
	if exit {
		e.complete(out, "goal_achieved")
		return out, nil
	}

	if state.CurrentStepID == "" {
		e.complete(out, "no_current_step")
		return out, nil
	}
	step, ok := graph.Step(state.CurrentStepID)
	if !ok {
		e.handleStepError(out, schema.NewErrorf(schema.ErrCodeValidation,
			"current step %q is not part of the sequence", state.CurrentStepID))
		return out, nil
	}

	ctx = logging.WithStepID(ctx, step.ID)
	switch step.Type {
	case schema.StepTypeEmail:
		return e.executeEmail(ctx, seq, graph, step, out)
	case schema.StepTypeWait:
		e.advance(out, graph, step.ID, false)
	case schema.StepTypeCondition:
		cfg, _ := graph.Condition(step.ID)
		result, err := e.conditions.Evaluate(ctx, cfg, state)
		if err != nil {
			e.handleStepError(out, err)
			return out, nil
		}
		e.advance(out, graph, step.ID, result)
	case schema.StepTypeAction:
		return e.executeAction(ctx, seq, graph, step, out)
	default:
		e.handleStepError(out, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).WithStep(step.ID))
	}
	return out, nil
}

func (e *Executor) executeEmail(ctx context.Context, seq *schema.Sequence, graph *StepGraph, step schema.Step, out *Outcome) (*Outcome, error) {
	state := out.State

	// Already sent on an earlier claim that crashed before advancing.
	if state.Engagement(step.ID) != nil {
		e.advance(out, graph, step.ID, false)
		return out, nil
	}

	cfg, err := step.EmailConfig()
	if err != nil {
		e.handleStepError(out, err)
		return out, nil
	}
	if e.mailer == nil {
		e.handleStepError(out, schema.NewError(schema.ErrCodeActionUnavailable, "no email sender configured").WithStep(step.ID))
		return out, nil
	}
	if err := e.breakers.AllowRequest(emailBreakerKey); err != nil {
		e.deferUntil(out, e.breakers.ReopenAt(emailBreakerKey), err)
		return out, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	receipt, err := e.mailer.Deliver(sendCtx, delivery.Request{
		TenantID:   seq.TenantID,
		SequenceID: seq.ID,
		StepID:     step.ID,
		Config:     *cfg,
		Subscriber: state.Clone(),
	})
	timedOut := sendCtx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.handleCollaboratorError(out, emailBreakerKey, asTimeout(err, timedOut, e.sendTimeout))
		return out, nil
	}
	e.breakers.RecordSuccess(emailBreakerKey)

	sentAt := out.now
	state.EmailsSent++
	state.LastEmailSentAt = &sentAt
	state.EngagementLog = append(state.EngagementLog, schema.EngagementEntry{
		StepID:    step.ID,
		SentAt:    sentAt,
		MessageID: receipt.MessageID,
	})
	out.Delta.EmailsSent++
	e.advance(out, graph, step.ID, false)
	return out, nil
}

func (e *Executor) executeAction(ctx context.Context, seq *schema.Sequence, graph *StepGraph, step schema.Step, out *Outcome) (*Outcome, error) {
	state := out.State

	cfg, err := step.ActionConfig()
	if err != nil {
		e.handleStepError(out, err)
		return out, nil
	}
	if e.actions == nil {
		e.handleStepError(out, schema.NewError(schema.ErrCodeActionUnavailable, "no action performer configured").WithStep(step.ID))
		return out, nil
	}
	key := "action:" + string(cfg.Type)
	if err := e.breakers.AllowRequest(key); err != nil {
		e.deferUntil(out, e.breakers.ReopenAt(key), err)
		return out, nil
	}

	actCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	res, err := e.actions.Perform(actCtx, string(cfg.Type), actions.ActionInput{
		TenantID:   seq.TenantID,
		SequenceID: seq.ID,
		StepID:     step.ID,
		Params:     cfg.Config,
		Subscriber: state.Clone(),
	})
	timedOut := actCtx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.handleCollaboratorError(out, key, asTimeout(err, timedOut, e.actionTimeout))
		return out, nil
	}
	e.breakers.RecordSuccess(key)

	if res != nil && len(res.Fields) > 0 {
		if state.CustomFields == nil {
			state.CustomFields = make(map[string]any, len(res.Fields))
		}
		for k, v := range res.Fields {
			state.CustomFields[k] = v
		}
	}
	if res != nil && res.EndSequence {
		state.ErrorCount = 0
		out.emit(schema.EventStepExecuted, map[string]any{"step_type": string(step.Type), "action": string(cfg.Type)})
		e.complete(out, "end_sequence")
		return out, nil
	}
	e.advance(out, graph, step.ID, false)
	return out, nil
}

// advance moves the subscriber past currentID. The next step's entry delay
// sets nextSendAt, so even an undelayed step runs on the following pass.
func (e *Executor) advance(out *Outcome, graph *StepGraph, currentID string, conditionResult bool) {
	state := out.State
	state.ErrorCount = 0

	executed, _ := graph.Step(currentID)
	payload := map[string]any{"step_type": string(executed.Type)}
	if executed.Type == schema.StepTypeCondition {
		payload["result"] = conditionResult
	}

	next, ok := graph.NextStep(currentID, conditionResult)
	if !ok {
		out.emit(schema.EventStepExecuted, payload)
		e.complete(out, "end_of_sequence")
		return
	}

	delay, err := next.EntryDelay()
	if err != nil {
		delay = 0
	}
	at := out.now.Add(delay)
	state.CurrentStepID = next.ID
	state.CurrentStepIndex = next.Order
	state.NextSendAt = &at

	payload["next_step_id"] = next.ID
	out.emit(schema.EventStepExecuted, payload)
	out.Kind = OutcomeAdvanced
}

// complete ends the journey successfully.
func (e *Executor) complete(out *Outcome, reason string) {
	state := out.State
	from := state.Status
	at := out.now
	state.Status = schema.SubscriberStatusCompleted
	state.CompletedAt = &at
	state.CurrentStepID = ""
	state.NextSendAt = nil
	out.Kind = OutcomeCompleted
	out.Delta = out.Delta.Add(statusDelta(from, schema.SubscriberStatusCompleted))
	out.emit(schema.EventSubscriberCompleted, map[string]any{"reason": reason})
}

// deferUntil reschedules the same step without recording an error.
func (e *Executor) deferUntil(out *Outcome, until time.Time, cause error) {
	if !until.After(out.now) {
		until = out.now.Add(time.Minute)
	}
	out.State.NextSendAt = &until
	out.Kind = OutcomeDeferred
	out.Err = cause
	out.emit(schema.EventStepDeferred, map[string]any{
		"until": until.UTC().Format(time.RFC3339),
		"cause": cause.Error(),
	})
}

// statusDelta is the counter change for a status transition driven by
// the executor.
func statusDelta(from, to schema.SubscriberStatus) store.CounterDelta {
	var d store.CounterDelta
	if from == schema.SubscriberStatusActive && to != schema.SubscriberStatusActive {
		d.Active--
	}
	if to == schema.SubscriberStatusCompleted && from != schema.SubscriberStatusCompleted {
		d.Completed++
	}
	return d
}

func (o *Outcome) emit(eventType string, payload map[string]any) {
	var raw json.RawMessage
	if len(payload) > 0 {
		raw, _ = json.Marshal(payload)
	}
	o.Events = append(o.Events, &store.Event{
		TenantID:          o.State.TenantID,
		SequenceID:        o.State.SequenceID,
		SubscriberStateID: o.State.ID,
		StepID:            o.StepID,
		Type:              eventType,
		Payload:           raw,
		Timestamp:         o.now,
	})
}
