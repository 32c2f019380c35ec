package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

func TestEventNotification(t *testing.T) {
	n := eventNotification(streaming.Event{
		ExecutionID:          "exec-1",
		WorkflowDefinitionID: "def-1",
		StepSlug:             "notify",
		Type:                 schema.EventStepFailed,
		Payload:              map[string]any{"code": schema.ErrCodeExecution},
	})
	assert.Equal(t, "error", n["level"])
	assert.Equal(t, "stepflow", n["logger"])
	data := n["data"].(map[string]any)
	assert.Equal(t, "exec-1", data["executionId"])
	assert.Equal(t, "notify", data["stepSlug"])
	assert.Equal(t, map[string]any{"code": schema.ErrCodeExecution}, data["payload"])

	n = eventNotification(streaming.Event{ExecutionID: "exec-1", Type: schema.EventExecutionCompleted})
	assert.Equal(t, "info", n["level"])
	assert.NotContains(t, n["data"], "stepSlug")

	n = eventNotification(streaming.Event{Type: schema.EventStepRetrying})
	assert.Equal(t, "warning", n["level"])
}

func TestForwardEvents_StopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := NewServer(ServerDeps{})
	hub := streaming.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.ForwardEvents(ctx, hub, streaming.Filter{}))
	// No client is connected; delivery is a no-op.
	require.NoError(t, hub.Publish(context.Background(), streaming.Event{ExecutionID: "exec-1", Type: schema.EventExecutionCompleted}))

	cancel()
}

func TestForwardEvents_CancelledContext(t *testing.T) {
	s := NewServer(ServerDeps{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.ForwardEvents(ctx, streaming.NewMemoryHub(), streaming.Filter{}), context.Canceled)
}
