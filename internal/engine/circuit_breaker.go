package engine

import (
	"sync"
	"time"

	"github.com/rendis/drip/pkg/schema"
)

// CircuitState is the state of one collaborator's breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig configures every breaker in a registry.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that opens a breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects calls before letting a trial call through.
	Cooldown time.Duration
	// HalfOpenMax caps trial calls while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig trips after five straight failures and allows a
// trial call after thirty seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerSnapshot describes one breaker at a point in time.
type BreakerSnapshot struct {
	Collaborator        string        `json:"collaborator"`
	State               CircuitState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	Cooldown            time.Duration `json:"cooldown"`
	ReopenAt            time.Time     `json:"reopen_at,omitzero"`
}

// Payload renders the snapshot as an audit event payload.
func (s BreakerSnapshot) Payload() map[string]any {
	p := map[string]any{
		"collaborator":         s.Collaborator,
		"state":                string(s.State),
		"consecutive_failures": s.ConsecutiveFailures,
		"failure_threshold":    s.FailureThreshold,
		"cooldown":             s.Cooldown.String(),
	}
	if !s.ReopenAt.IsZero() {
		p["reopen_at"] = s.ReopenAt
	}
	return p
}

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	trials   int
}

// CircuitBreakerRegistry keeps one breaker per collaborator, keyed by names
// like "email" or "action:webhook". Breakers outlive a single pass so an
// outage seen by one pass keeps later passes from hammering the provider.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// WithClock replaces the registry's time source.
func (r *CircuitBreakerRegistry) WithClock(now func() time.Time) *CircuitBreakerRegistry {
	r.now = now
	return r
}

// lookup returns the breaker for key with any cooldown expiry applied.
// Callers hold r.mu.
func (r *CircuitBreakerRegistry) lookup(key string) *breaker {
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{state: CircuitClosed}
		r.breakers[key] = b
	}
	if b.state == CircuitOpen && !r.now().Before(b.openedAt.Add(r.config.Cooldown)) {
		b.state = CircuitHalfOpen
		b.trials = 0
	}
	return b
}

// AllowRequest returns nil when a call to key may proceed, or a
// CIRCUIT_OPEN error while the breaker is open or out of trial calls.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.lookup(key)
	switch b.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"%s unavailable after %d consecutive failures", key, b.failures).
			WithDetails(r.snapshot(key, b).Payload())
	case CircuitHalfOpen:
		if b.trials >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "%s is already running a trial call", key)
		}
		b.trials++
	}
	return nil
}

// RecordSuccess closes the breaker for key.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.lookup(key)
	*b = breaker{state: CircuitClosed}
}

// RecordFailure counts a transient failure and returns the resulting state.
// A failed trial call reopens the breaker immediately.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.lookup(key)
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	return b.state
}

// GetState returns the current state for key.
func (r *CircuitBreakerRegistry) GetState(key string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(key).state
}

// ReopenAt returns when an open breaker admits its next trial call, or the zero
// time when the breaker is not open.
func (r *CircuitBreakerRegistry) ReopenAt(key string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.lookup(key)
	if b.state != CircuitOpen {
		return time.Time{}
	}
	return b.openedAt.Add(r.config.Cooldown)
}

// Snapshot reports the breaker for key.
func (r *CircuitBreakerRegistry) Snapshot(key string) BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(key, r.lookup(key))
}

func (r *CircuitBreakerRegistry) snapshot(key string, b *breaker) BreakerSnapshot {
	s := BreakerSnapshot{
		Collaborator:        key,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    r.config.FailureThreshold,
		Cooldown:            r.config.Cooldown,
	}
	if b.state == CircuitOpen {
		s.ReopenAt = b.openedAt.Add(r.config.Cooldown)
	}
	return s
}
