package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	event := Event{
		ExecutionID: "exec-1",
		StepSlug:    "notify",
		Type:        schema.EventStepCompleted,
		Payload:     map[string]any{"port": "success"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event.ExecutionID, got.ExecutionID)
	assert.Equal(t, event.StepSlug, got.StepSlug)
	assert.Equal(t, event.Type, got.Type)
}

func TestFilterByExecutionAndOrganization(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{OrganizationID: "org-1", ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{OrganizationID: "org-1", ExecutionID: "exec-1", Type: schema.EventExecutionStarted}))
	require.NoError(t, hub.Publish(ctx, Event{OrganizationID: "org-1", ExecutionID: "exec-2", Type: schema.EventExecutionStarted}))
	require.NoError(t, hub.Publish(ctx, Event{OrganizationID: "org-2", ExecutionID: "exec-1", Type: schema.EventExecutionStarted}))

	got := receive(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "org-1", got.OrganizationID)
	assertNoEvent(t, ch)
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		Types: []string{schema.EventStepCompleted, schema.EventExecutionFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec-1", Type: schema.EventStepCompleted}))
	require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec-1", Type: schema.EventExecutionStarted}))
	require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec-1", Type: schema.EventExecutionFailed}))

	received := []string{receive(t, ch).Type, receive(t, ch).Type}
	assert.Equal(t, []string{schema.EventStepCompleted, schema.EventExecutionFailed}, received)
	assertNoEvent(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec-1", Type: schema.EventStepCompleted}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		got := receive(t, ch)
		assert.Equal(t, "exec-1", got.ExecutionID)
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec-1", Type: schema.EventStepCompleted}))

	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec-1", Type: schema.EventLoopIteration}))
	}

	assert.Len(t, ch, defaultChannelBuffer)
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup
	cancels := make([]func(), goroutines)
	for i := 0; i < goroutines; i++ {
		_, cancel, err := hub.Subscribe(ctx, Filter{})
		require.NoError(t, err)
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, Event{ExecutionID: "exec-concurrent", Type: schema.EventLoopIteration})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, Filter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, Event{ExecutionID: "exec-1"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
