package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

func receive(t *testing.T, ch <-chan *store.Event) *store.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertEmpty(t *testing.T, ch <-chan *store.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	ev := &store.Event{TenantID: "t1", SequenceID: "seq-1", StepID: "e1", Type: schema.EventStepExecuted}
	require.NoError(t, hub.Publish(ctx, ev))
	assert.Same(t, ev, receive(t, ch))
}

func TestFilterByTenantAndSequence(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{TenantID: "t1", SequenceID: "seq-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, &store.Event{TenantID: "t2", SequenceID: "seq-1", Type: "x"}))
	require.NoError(t, hub.Publish(ctx, &store.Event{TenantID: "t1", SequenceID: "seq-2", Type: "x"}))
	require.NoError(t, hub.Publish(ctx, &store.Event{TenantID: "t1", SequenceID: "seq-1", Type: "x"}))

	got := receive(t, ch)
	assert.Equal(t, "seq-1", got.SequenceID)
	assertEmpty(t, ch)
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Types: []string{schema.EventSubscriberFailed, schema.EventSubscriberBounced}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, &store.Event{Type: schema.EventStepExecuted}))
	require.NoError(t, hub.Publish(ctx, &store.Event{Type: schema.EventSubscriberBounced}))

	assert.Equal(t, schema.EventSubscriberBounced, receive(t, ch).Type)
	assertEmpty(t, ch)
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Zero(t, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, &store.Event{Type: "x"}))
	_, open := <-ch
	assert.False(t, open)
}

func TestBackpressureDropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, &store.Event{Type: "x"}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel, err := hub.Subscribe(ctx, Filter{})
			if assert.NoError(t, err) {
				cancel()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, &store.Event{Type: "x"})
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, &store.Event{Type: "x"}))
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.Error(t, err)
}
