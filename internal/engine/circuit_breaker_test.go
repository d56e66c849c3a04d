package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/pkg/schema"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func testBreakers(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *fakeClock) {
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		HalfOpenMax:      1,
	}).WithClock(clock.Now)
	return cbr, clock
}

func TestCircuitBreaker_StartsClosedAllowsRequests(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	assert.NoError(t, cbr.AllowRequest("email"))
	assert.Equal(t, CircuitClosed, cbr.GetState("email"))
	assert.True(t, cbr.ReopenAt("email").IsZero())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, clock := testBreakers(3, 10*time.Second)

	cbr.RecordFailure("email")
	cbr.RecordFailure("email")
	assert.Equal(t, CircuitClosed, cbr.GetState("email"))

	state := cbr.RecordFailure("email")
	assert.Equal(t, CircuitOpen, state)
	assert.Equal(t, CircuitOpen, cbr.GetState("email"))
	assert.Equal(t, clock.Now().Add(10*time.Second), cbr.ReopenAt("email"))

	err := cbr.AllowRequest("email")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cbr, _ := testBreakers(3, 10*time.Second)

	cbr.RecordFailure("email")
	cbr.RecordFailure("email")
	cbr.RecordSuccess("email")
	assert.Equal(t, CircuitClosed, cbr.GetState("email"))

	cbr.RecordFailure("email")
	cbr.RecordFailure("email")
	assert.Equal(t, CircuitClosed, cbr.GetState("email"))

	cbr.RecordFailure("email")
	assert.Equal(t, CircuitOpen, cbr.GetState("email"))
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cbr, clock := testBreakers(2, time.Minute)

	cbr.RecordFailure("email")
	cbr.RecordFailure("email")
	assert.Equal(t, CircuitOpen, cbr.GetState("email"))

	clock.Advance(time.Minute)
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("email"))
	assert.NoError(t, cbr.AllowRequest("email"))
}

func TestCircuitBreaker_HalfOpenToClosedOnSuccess(t *testing.T) {
	cbr, clock := testBreakers(2, time.Minute)

	cbr.RecordFailure("email")
	cbr.RecordFailure("email")
	clock.Advance(2 * time.Minute)

	require.NoError(t, cbr.AllowRequest("email"))
	cbr.RecordSuccess("email")
	assert.Equal(t, CircuitClosed, cbr.GetState("email"))
}

func TestCircuitBreaker_HalfOpenToOpenOnFailure(t *testing.T) {
	cbr, clock := testBreakers(2, time.Minute)

	cbr.RecordFailure("email")
	cbr.RecordFailure("email")
	clock.Advance(2 * time.Minute)

	require.NoError(t, cbr.AllowRequest("email"))
	assert.Equal(t, CircuitOpen, cbr.RecordFailure("email"))
}

func TestCircuitBreaker_HalfOpenMaxRequests(t *testing.T) {
	cbr, clock := testBreakers(2, time.Minute)

	cbr.RecordFailure("email")
	cbr.RecordFailure("email")
	clock.Advance(time.Minute)

	assert.NoError(t, cbr.AllowRequest("email"))
	assert.Error(t, cbr.AllowRequest("email"))
}

func TestCircuitBreaker_PerCollaboratorIsolation(t *testing.T) {
	cbr, _ := testBreakers(2, 10*time.Second)

	cbr.RecordFailure("action:webhook")
	cbr.RecordFailure("action:webhook")
	assert.Equal(t, CircuitOpen, cbr.GetState("action:webhook"))

	assert.Equal(t, CircuitClosed, cbr.GetState("email"))
	assert.NoError(t, cbr.AllowRequest("email"))
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cbr, clock := testBreakers(2, time.Minute)
	cbr.RecordFailure("email")

	snap := cbr.Snapshot("email")
	assert.Equal(t, "email", snap.Collaborator)
	assert.Equal(t, CircuitClosed, snap.State)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
	assert.True(t, snap.ReopenAt.IsZero())

	cbr.RecordFailure("email")
	snap = cbr.Snapshot("email")
	assert.Equal(t, CircuitOpen, snap.State)
	assert.Equal(t, clock.Now().Add(time.Minute), snap.ReopenAt)

	payload := snap.Payload()
	assert.Equal(t, "open", payload["state"])
	assert.Equal(t, 2, payload["consecutive_failures"])
	assert.Equal(t, "1m0s", payload["cooldown"])
	assert.Contains(t, payload, "reopen_at")
}

func TestCircuitBreaker_OpenErrorCarriesDetails(t *testing.T) {
	cbr, _ := testBreakers(1, time.Minute)
	cbr.RecordFailure("action:webhook")

	err := cbr.AllowRequest("action:webhook")
	var de *schema.DripError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, schema.ErrCodeCircuitOpen, de.Code)
	assert.Equal(t, "action:webhook", de.Details["collaborator"])
}

func TestCircuitBreaker_ZeroConfigStillTrips(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{Cooldown: time.Minute})
	assert.Equal(t, CircuitOpen, cbr.RecordFailure("email"))
}
