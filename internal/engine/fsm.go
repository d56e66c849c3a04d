package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and the audit sinks; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Ref identifies the row a transition applies to.
type Ref struct {
	TenantID   string
	SequenceID string
	// SubscriberStateID is empty for sequence transitions.
	SubscriberStateID string
}

// ApplyFunc persists a validated transition. A non-nil error aborts the
// transition before any event is emitted or after-hook runs.
type ApplyFunc func(ctx context.Context) error

type hookKey struct {
	from, to string
}

// statusFSM is the shared transition machinery behind SequenceFSM and SubscriberFSM.
type statusFSM struct {
	mu       sync.Mutex
	kind     string
	appender EventAppender
	logger   *slog.Logger
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

func newStatusFSM(kind string, appender EventAppender, logger *slog.Logger) statusFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return statusFSM{
		kind:     kind,
		appender: appender,
		logger:   logger,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

func (f *statusFSM) onBefore(from, to string, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

func (f *statusFSM) onAfter(from, to string, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

func (f *statusFSM) hooks(from, to string) (before, after []TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	return append([]TransitionHook(nil), f.before[key]...), append([]TransitionHook(nil), f.after[key]...)
}

// run executes hooks, apply and event emission. The lock is not held while
// apply runs, so persistence may block without stalling other transitions.
func (f *statusFSM) run(ctx context.Context, ref Ref, from, to, eventType string, apply ApplyFunc) error {
	before, after := f.hooks(from, to)

	for _, hook := range before {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if apply != nil {
		if err := apply(ctx); err != nil {
			return err
		}
	}

	if eventType != "" && f.appender != nil {
		event := &store.Event{
			TenantID:          ref.TenantID,
			SequenceID:        ref.SequenceID,
			SubscriberStateID: ref.SubscriberStateID,
			Type:              eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			f.logger.Warn("emit transition event failed",
				"kind", f.kind, "event_type", eventType, "error", err)
		}
	}

	for _, hook := range after {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

// --- Sequence FSM ---

// SequenceFSM manages sequence lifecycle state transitions.
type SequenceFSM struct {
	statusFSM
}

// NewSequenceFSM creates a SequenceFSM that emits events via the given appender.
func NewSequenceFSM(appender EventAppender, logger *slog.Logger) *SequenceFSM {
	return &SequenceFSM{statusFSM: newStatusFSM("sequence", appender, logger)}
}

// OnBefore registers a hook called before a sequence transition is applied.
func (f *SequenceFSM) OnBefore(from, to schema.SequenceStatus, hook TransitionHook) {
	f.onBefore(string(from), string(to), hook)
}

// OnAfter registers a hook called after a sequence transition is applied.
func (f *SequenceFSM) OnAfter(from, to schema.SequenceStatus, hook TransitionHook) {
	f.onAfter(string(from), string(to), hook)
}

// Transition validates from -> to, persists it with apply and emits the
// matching event.
func (f *SequenceFSM) Transition(ctx context.Context, ref Ref, from, to schema.SequenceStatus, apply ApplyFunc) error {
	if !CanTransitionSequence(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid sequence transition: %s -> %s", from, to).
			WithDetails(map[string]any{"sequence_id": ref.SequenceID, "from": string(from), "to": string(to)})
	}
	return f.run(ctx, ref, string(from), string(to), sequenceEventType(to), apply)
}

// CanTransitionSequence reports whether from -> to is in the transition table.
func CanTransitionSequence(from, to schema.SequenceStatus) bool {
	for _, a := range ValidSequenceTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func sequenceEventType(to schema.SequenceStatus) string {
	switch to {
	case schema.SequenceStatusActive:
		return schema.EventSequenceActivated
	case schema.SequenceStatusPaused:
		return schema.EventSequencePaused
	case schema.SequenceStatusCompleted:
		return schema.EventSequenceCompleted
	case schema.SequenceStatusArchived:
		return schema.EventSequenceArchived
	default:
		return ""
	}
}

// --- Subscriber FSM ---

// SubscriberFSM manages administrative subscriber transitions (pause,
// resume, unsubscribe). Executor-driven transitions are validated with
// CanTransitionSubscriber and persisted by the dispatcher's commit.
type SubscriberFSM struct {
	statusFSM
}

// NewSubscriberFSM creates a SubscriberFSM that emits events via the given appender.
func NewSubscriberFSM(appender EventAppender, logger *slog.Logger) *SubscriberFSM {
	return &SubscriberFSM{statusFSM: newStatusFSM("subscriber", appender, logger)}
}

// OnBefore registers a hook called before a subscriber transition is applied.
func (f *SubscriberFSM) OnBefore(from, to schema.SubscriberStatus, hook TransitionHook) {
	f.onBefore(string(from), string(to), hook)
}

// OnAfter registers a hook called after a subscriber transition is applied.
func (f *SubscriberFSM) OnAfter(from, to schema.SubscriberStatus, hook TransitionHook) {
	f.onAfter(string(from), string(to), hook)
}

// Transition validates from -> to, persists it with apply and emits the
// matching event.
func (f *SubscriberFSM) Transition(ctx context.Context, ref Ref, from, to schema.SubscriberStatus, apply ApplyFunc) error {
	if !CanTransitionSubscriber(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid subscriber transition: %s -> %s", from, to).
			WithDetails(map[string]any{"subscriber_state_id": ref.SubscriberStateID, "from": string(from), "to": string(to)})
	}
	return f.run(ctx, ref, string(from), string(to), SubscriberEventType(from, to), apply)
}

// CanTransitionSubscriber reports whether from -> to is in the transition table.
func CanTransitionSubscriber(from, to schema.SubscriberStatus) bool {
	for _, a := range ValidSubscriberTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// SubscriberEventType maps a subscriber transition to its audit event type.
func SubscriberEventType(from, to schema.SubscriberStatus) string {
	switch to {
	case schema.SubscriberStatusActive:
		if from == schema.SubscriberStatusPaused {
			return schema.EventSubscriberResumed
		}
		return ""
	case schema.SubscriberStatusPaused:
		return schema.EventSubscriberPaused
	case schema.SubscriberStatusCompleted:
		return schema.EventSubscriberCompleted
	case schema.SubscriberStatusUnsubscribed:
		return schema.EventSubscriberUnsubscribed
	case schema.SubscriberStatusBounced:
		return schema.EventSubscriberBounced
	case schema.SubscriberStatusFailed:
		return schema.EventSubscriberFailed
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidSequenceTransitions defines the allowed state transitions for sequences.
var ValidSequenceTransitions = map[schema.SequenceStatus][]schema.SequenceStatus{
	schema.SequenceStatusDraft:     {schema.SequenceStatusActive, schema.SequenceStatusArchived},
	schema.SequenceStatusActive:    {schema.SequenceStatusPaused, schema.SequenceStatusCompleted},
	schema.SequenceStatusPaused:    {schema.SequenceStatusActive, schema.SequenceStatusCompleted, schema.SequenceStatusArchived},
	schema.SequenceStatusCompleted: {schema.SequenceStatusArchived},
	schema.SequenceStatusArchived:  {},
}

// ValidSubscriberTransitions defines the allowed state transitions for
// subscriber states. The four terminal states have no exits; a fresh
// enrollment creates a new row instead.
var ValidSubscriberTransitions = map[schema.SubscriberStatus][]schema.SubscriberStatus{
	schema.SubscriberStatusActive: {
		schema.SubscriberStatusPaused, schema.SubscriberStatusCompleted, schema.SubscriberStatusUnsubscribed,
		schema.SubscriberStatusBounced, schema.SubscriberStatusFailed,
	},
	schema.SubscriberStatusPaused:       {schema.SubscriberStatusActive, schema.SubscriberStatusUnsubscribed},
	schema.SubscriberStatusCompleted:    {},
	schema.SubscriberStatusUnsubscribed: {},
	schema.SubscriberStatusBounced:      {},
	schema.SubscriberStatusFailed:       {},
}
