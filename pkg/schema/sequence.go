package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sequence is a tenant-owned drip campaign: an ordered graph of steps plus
// enrollment policy and aggregate counters.
type Sequence struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	Status             SequenceStatus  `json:"status"`
	TriggerType        string          `json:"trigger_type,omitempty"`
	TriggerConfig      json.RawMessage `json:"trigger_config,omitempty"`
	Steps              []Step          `json:"steps"`
	GoalType           GoalType        `json:"goal_type,omitempty"`
	GoalConfig         *GoalConfig     `json:"goal_config,omitempty"`
	ExitOnGoalAchieved bool            `json:"exit_on_goal_achieved"`
	AllowReentry       bool            `json:"allow_reentry"`
	MaxSubscribers     *int            `json:"max_subscribers,omitempty"`

	TotalSubscribers     int64 `json:"total_subscribers"`
	ActiveSubscribers    int64 `json:"active_subscribers"`
	CompletedSubscribers int64 `json:"completed_subscribers"`
	TotalEmailsSent      int64 `json:"total_emails_sent"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// StepType enumerates the kinds of steps in a sequence.
type StepType string

const (
	StepTypeEmail     StepType = "email"
	StepTypeWait      StepType = "wait"
	StepTypeCondition StepType = "condition"
	StepTypeAction    StepType = "action"
)

// Step is one node of a sequence graph. Config holds the payload for Type.
type Step struct {
	ID     string          `json:"id"`
	Order  int             `json:"order"`
	Type   StepType        `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// EmailConfig is the config block for email steps.
type EmailConfig struct {
	TemplateID string `json:"template_id"`
	Subject    string `json:"subject,omitempty"`
	Delay      *Delay `json:"delay,omitempty"`
}

// WaitConfig is the config block for wait steps.
type WaitConfig struct {
	Delay Delay `json:"delay"`
}

// ConditionOperator is one of the fixed comparison operators.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
)

// KnownOperator reports whether op is part of the supported operator set.
func KnownOperator(op ConditionOperator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// ConditionConfig is the config block for condition steps.
// An empty TruePath or FalsePath ends the sequence on that branch.
type ConditionConfig struct {
	Field     string            `json:"field"`
	Operator  ConditionOperator `json:"operator"`
	Value     any               `json:"value"`
	TruePath  string            `json:"true_path,omitempty"`
	FalsePath string            `json:"false_path,omitempty"`
}

// ActionType enumerates the side effects an action step can perform.
type ActionType string

const (
	ActionAddTag      ActionType = "add_tag"
	ActionRemoveTag   ActionType = "remove_tag"
	ActionUpdateField ActionType = "update_field"
	ActionWebhook     ActionType = "webhook"
	ActionEndSequence ActionType = "end_sequence"
)

// ActionConfig is the config block for action steps.
type ActionConfig struct {
	Type   ActionType     `json:"type"`
	Config map[string]any `json:"config,omitempty"`
	Delay  *Delay         `json:"delay,omitempty"`
}

// DelayUnit is the unit of a Delay value.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
	DelayWeeks   DelayUnit = "weeks"
)

// MaxDelay caps a single delay at ten years.
const MaxDelay = 3650 * 24 * time.Hour

// Delay is a relative wait expressed as value + unit.
type Delay struct {
	Value float64   `json:"value"`
	Unit  DelayUnit `json:"unit"`
}

// Duration converts the delay to a time.Duration. Days are 24h, weeks 7 days.
func (d Delay) Duration() (time.Duration, error) {
	if !(d.Value >= 0) {
		return 0, NewErrorf(ErrCodeValidation, "delay value %v is negative", d.Value)
	}
	var unit time.Duration
	switch d.Unit {
	case DelayMinutes:
		unit = time.Minute
	case DelayHours:
		unit = time.Hour
	case DelayDays:
		unit = 24 * time.Hour
	case DelayWeeks:
		unit = 7 * 24 * time.Hour
	default:
		return 0, NewErrorf(ErrCodeValidation, "unknown delay unit %q", d.Unit)
	}
	if d.Value*float64(unit) > float64(MaxDelay) {
		return 0, NewErrorf(ErrCodeValidation, "delay %v %s exceeds %s", d.Value, d.Unit, MaxDelay)
	}
	return time.Duration(d.Value * float64(unit)), nil
}

// EmailConfig decodes the step config as an email payload.
func (s Step) EmailConfig() (*EmailConfig, error) {
	var c EmailConfig
	if err := s.decode(StepTypeEmail, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// WaitConfig decodes the step config as a wait payload.
func (s Step) WaitConfig() (*WaitConfig, error) {
	var c WaitConfig
	if err := s.decode(StepTypeWait, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ConditionConfig decodes the step config as a condition payload.
func (s Step) ConditionConfig() (*ConditionConfig, error) {
	var c ConditionConfig
	if err := s.decode(StepTypeCondition, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ActionConfig decodes the step config as an action payload.
func (s Step) ActionConfig() (*ActionConfig, error) {
	var c ActionConfig
	if err := s.decode(StepTypeAction, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EntryDelay is how long a subscriber rests at this step before it runs.
// Wait steps always carry one; email and action steps may; conditions never do.
func (s Step) EntryDelay() (time.Duration, error) {
	var d *Delay
	switch s.Type {
	case StepTypeWait:
		c, err := s.WaitConfig()
		if err != nil {
			return 0, err
		}
		d = &c.Delay
	case StepTypeEmail:
		c, err := s.EmailConfig()
		if err != nil {
			return 0, err
		}
		d = c.Delay
	case StepTypeAction:
		c, err := s.ActionConfig()
		if err != nil {
			return 0, err
		}
		d = c.Delay
	}
	if d == nil {
		return 0, nil
	}
	return d.Duration()
}

func (s Step) decode(want StepType, v any) error {
	if s.Type != want {
		return NewErrorf(ErrCodeValidation, "step is %q, not %q", s.Type, want).WithStep(s.ID)
	}
	if len(s.Config) == 0 {
		return NewErrorf(ErrCodeValidation, "%s step has no config", s.Type).WithStep(s.ID)
	}
	if err := json.Unmarshal(s.Config, v); err != nil {
		return NewErrorf(ErrCodeValidation, "decode %s config: %v", s.Type, err).WithStep(s.ID).WithCause(err)
	}
	return nil
}

// NewStep builds a step whose config is the JSON encoding of cfg.
func NewStep(id string, order int, typ StepType, cfg any) (Step, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return Step{}, fmt.Errorf("marshal %s config: %w", typ, err)
	}
	return Step{ID: id, Order: order, Type: typ, Config: raw}, nil
}

// GoalType selects how goal achievement is detected.
type GoalType string

const (
	GoalNone         GoalType = ""
	GoalEmailOpened  GoalType = "email_opened"
	GoalEmailClicked GoalType = "email_clicked"
	GoalFieldEquals  GoalType = "field_equals"
	GoalExpression   GoalType = "expression"
)

// GoalConfig parameterizes the goal types that need one.
type GoalConfig struct {
	Field      string `json:"field,omitempty" yaml:"field"`
	Value      any    `json:"value,omitempty" yaml:"value"`
	Engine     string `json:"engine,omitempty" yaml:"engine"` // cel | expr (default: cel)
	Expression string `json:"expression,omitempty" yaml:"expression"`
}

// Statistics summarizes a sequence's counters and engagement rates.
type Statistics struct {
	SequenceID           string  `json:"sequence_id"`
	TotalSubscribers     int64   `json:"total_subscribers"`
	ActiveSubscribers    int64   `json:"active_subscribers"`
	CompletedSubscribers int64   `json:"completed_subscribers"`
	TotalEmailsSent      int64   `json:"total_emails_sent"`
	EmailsSent           int64   `json:"emails_sent"`
	EmailsOpened         int64   `json:"emails_opened"`
	EmailsClicked        int64   `json:"emails_clicked"`
	EmailsBounced        int64   `json:"emails_bounced"`
	OpenRate             float64 `json:"open_rate"`
	ClickRate            float64 `json:"click_rate"`
}
