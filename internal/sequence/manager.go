// Package sequence manages sequence authoring and lifecycle, enrollment,
// engagement ingestion and statistics. Step execution lives in the engine.
package sequence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// Validator checks a sequence before activation.
type Validator interface {
	ValidateSequence(seq *schema.Sequence) error
}

// Config wires a Manager.
type Config struct {
	Store     store.Store
	Validator Validator
	// Goals evaluates goals on engagement. Nil disables goal checks there.
	Goals *engine.GoalEvaluator
	// Events receives audit events. Failures are logged and never returned.
	Events engine.EventAppender
	Now    func() time.Time
	Logger *slog.Logger
}

// Manager is the management surface over sequences and enrollments.
type Manager struct {
	store       store.Store
	validator   Validator
	goals       *engine.GoalEvaluator
	events      engine.EventAppender
	sequences   *engine.SequenceFSM
	subscribers *engine.SubscriberFSM
	now         func() time.Time
	logger      *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:       cfg.Store,
		validator:   cfg.Validator,
		goals:       cfg.Goals,
		events:      cfg.Events,
		sequences:   engine.NewSequenceFSM(cfg.Events, cfg.Logger),
		subscribers: engine.NewSubscriberFSM(cfg.Events, cfg.Logger),
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// CreateRequest describes a new draft sequence.
type CreateRequest struct {
	TenantID           string             `json:"tenant_id" yaml:"tenant_id"`
	ID                 string             `json:"id,omitempty" yaml:"id"`
	Name               string             `json:"name" yaml:"name"`
	Description        string             `json:"description,omitempty" yaml:"description"`
	TriggerType        string             `json:"trigger_type,omitempty" yaml:"trigger_type"`
	TriggerConfig      json.RawMessage    `json:"trigger_config,omitempty" yaml:"-"`
	Steps              []schema.Step      `json:"steps" yaml:"-"`
	GoalType           schema.GoalType    `json:"goal_type,omitempty" yaml:"goal_type"`
	GoalConfig         *schema.GoalConfig `json:"goal_config,omitempty" yaml:"goal_config"`
	ExitOnGoalAchieved bool               `json:"exit_on_goal_achieved" yaml:"exit_on_goal_achieved"`
	AllowReentry       bool               `json:"allow_reentry" yaml:"allow_reentry"`
	MaxSubscribers     *int               `json:"max_subscribers,omitempty" yaml:"max_subscribers"`
}

// Create stores a new Draft sequence. Steps get ids when absent and dense
// orders; full validation waits until activation.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*schema.Sequence, error) {
	if req.TenantID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant_id is required")
	}
	if req.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "name is required")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.now()
	seq := &schema.Sequence{
		ID:                 id,
		TenantID:           req.TenantID,
		Name:               req.Name,
		Description:        req.Description,
		Status:             schema.SequenceStatusDraft,
		TriggerType:        req.TriggerType,
		TriggerConfig:      req.TriggerConfig,
		Steps:              NormalizeSteps(req.Steps),
		GoalType:           req.GoalType,
		GoalConfig:         req.GoalConfig,
		ExitOnGoalAchieved: req.ExitOnGoalAchieved,
		AllowReentry:       req.AllowReentry,
		MaxSubscribers:     req.MaxSubscribers,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.CreateSequence(ctx, seq); err != nil {
		return nil, err
	}

	m.emit(ctx, &store.Event{TenantID: seq.TenantID, SequenceID: seq.ID, Type: schema.EventSequenceCreated, Timestamp: now})
	m.logger.InfoContext(ctx, "sequence created",
		slog.String("tenant_id", seq.TenantID), slog.String("sequence_id", seq.ID), slog.Int("steps", len(seq.Steps)))
	return seq, nil
}

// UpdateRequest carries the fields to change. Nil fields are left as they are;
// a non-nil Steps replaces the whole step list.
type UpdateRequest struct {
	Name               *string            `json:"name,omitempty"`
	Description        *string            `json:"description,omitempty"`
	Steps              []schema.Step      `json:"steps,omitempty"`
	GoalType           *schema.GoalType   `json:"goal_type,omitempty"`
	GoalConfig         *schema.GoalConfig `json:"goal_config,omitempty"`
	ExitOnGoalAchieved *bool              `json:"exit_on_goal_achieved,omitempty"`
	AllowReentry       *bool              `json:"allow_reentry,omitempty"`
	MaxSubscribers     *int               `json:"max_subscribers,omitempty"`
	// ClearMaxSubscribers removes the capacity ceiling.
	ClearMaxSubscribers bool `json:"clear_max_subscribers,omitempty"`
}

// Update edits a sequence that is not Active or Archived. Replacing steps
// fails if it would drop a step that an active or paused subscriber sits on.
func (m *Manager) Update(ctx context.Context, tenantID, id string, req UpdateRequest) (*schema.Sequence, error) {
	seq, err := m.store.GetSequence(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if seq.Status == schema.SequenceStatusActive || seq.Status == schema.SequenceStatusArchived {
		return nil, schema.NewErrorf(schema.ErrCodeSequenceLocked,
			"sequence %q is %s; pause it before editing", id, seq.Status)
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "name cannot be empty")
		}
		seq.Name = *req.Name
	}
	if req.Description != nil {
		seq.Description = *req.Description
	}
	if req.GoalType != nil {
		seq.GoalType = *req.GoalType
	}
	if req.GoalConfig != nil {
		seq.GoalConfig = req.GoalConfig
	}
	if req.ExitOnGoalAchieved != nil {
		seq.ExitOnGoalAchieved = *req.ExitOnGoalAchieved
	}
	if req.AllowReentry != nil {
		seq.AllowReentry = *req.AllowReentry
	}
	if req.MaxSubscribers != nil {
		seq.MaxSubscribers = req.MaxSubscribers
	}
	if req.ClearMaxSubscribers {
		seq.MaxSubscribers = nil
	}
	if req.Steps != nil {
		steps := NormalizeSteps(req.Steps)
		if err := m.checkOccupied(ctx, seq, steps); err != nil {
			return nil, err
		}
		seq.Steps = steps
	}

	if err := m.store.UpdateSequenceDefinition(ctx, seq); err != nil {
		return nil, err
	}
	m.emit(ctx, &store.Event{TenantID: tenantID, SequenceID: id, Type: schema.EventSequenceUpdated, Timestamp: m.now()})
	return seq, nil
}

// checkOccupied rejects a step list that removes the current step of any
// active or paused subscriber.
func (m *Manager) checkOccupied(ctx context.Context, seq *schema.Sequence, steps []schema.Step) error {
	occupied, err := m.store.OccupiedSteps(ctx, seq.TenantID, seq.ID)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "list occupied steps").WithCause(err)
	}
	kept := make(map[string]bool, len(steps))
	for _, s := range steps {
		kept[s.ID] = true
	}
	var missing []string
	for _, id := range occupied {
		if !kept[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"cannot remove steps with subscribers on them: %v", missing).
			WithDetails(map[string]any{"step_ids": missing})
	}
	return nil
}

// Activate validates the sequence and moves it to Active.
func (m *Manager) Activate(ctx context.Context, tenantID, id string) (*schema.Sequence, error) {
	seq, err := m.store.GetSequence(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !engine.CanTransitionSequence(seq.Status, schema.SequenceStatusActive) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid sequence transition: %s -> %s", seq.Status, schema.SequenceStatusActive)
	}
	if len(seq.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "sequence must have at least one step")
	}
	if m.validator != nil {
		if err := m.validator.ValidateSequence(seq); err != nil {
			return nil, err
		}
	}
	if _, err := engine.ParseStepGraph(seq.Steps); err != nil {
		return nil, err
	}
	return m.transitionSequence(ctx, seq, schema.SequenceStatusActive)
}

// Pause stops dispatching for an Active sequence. Its subscribers stall in place.
func (m *Manager) Pause(ctx context.Context, tenantID, id string) (*schema.Sequence, error) {
	return m.moveSequence(ctx, tenantID, id, schema.SequenceStatusPaused)
}

// Complete closes an Active or Paused sequence to new enrollments.
func (m *Manager) Complete(ctx context.Context, tenantID, id string) (*schema.Sequence, error) {
	return m.moveSequence(ctx, tenantID, id, schema.SequenceStatusCompleted)
}

// Archive retires a Draft, Paused or Completed sequence.
func (m *Manager) Archive(ctx context.Context, tenantID, id string) (*schema.Sequence, error) {
	return m.moveSequence(ctx, tenantID, id, schema.SequenceStatusArchived)
}

func (m *Manager) moveSequence(ctx context.Context, tenantID, id string, to schema.SequenceStatus) (*schema.Sequence, error) {
	seq, err := m.store.GetSequence(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return m.transitionSequence(ctx, seq, to)
}

func (m *Manager) transitionSequence(ctx context.Context, seq *schema.Sequence, to schema.SequenceStatus) (*schema.Sequence, error) {
	from := seq.Status
	now := m.now()
	ref := engine.Ref{TenantID: seq.TenantID, SequenceID: seq.ID}
	err := m.sequences.Transition(ctx, ref, from, to, func(ctx context.Context) error {
		return m.store.TransitionSequence(ctx, store.SequenceTransition{
			TenantID: seq.TenantID, ID: seq.ID, From: from, To: to, At: now,
		})
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "sequence transitioned",
		slog.String("sequence_id", seq.ID), slog.String("from", string(from)), slog.String("to", string(to)))
	return m.store.GetSequence(ctx, seq.TenantID, seq.ID)
}

// Get returns one sequence.
func (m *Manager) Get(ctx context.Context, tenantID, id string) (*schema.Sequence, error) {
	return m.store.GetSequence(ctx, tenantID, id)
}

// List returns a tenant's sequences.
func (m *Manager) List(ctx context.Context, filter store.SequenceFilter) ([]*schema.Sequence, error) {
	return m.store.ListSequences(ctx, filter)
}

// NormalizeSteps returns a copy of steps with missing ids filled in and
// orders renumbered 0..N-1, preserving the authored relative order.
func NormalizeSteps(steps []schema.Step) []schema.Step {
	if steps == nil {
		return []schema.Step{}
	}
	out := make([]schema.Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
		out[i].Order = i
	}
	return out
}

// emit hands an audit event to the sink. It never fails the caller.
func (m *Manager) emit(ctx context.Context, ev *store.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.AppendEvent(ctx, ev); err != nil {
		logging.LogWith(ctx, m.logger).WarnContext(ctx, "append audit event failed",
			slog.String("event_type", ev.Type), slog.String("error", err.Error()))
	}
}
