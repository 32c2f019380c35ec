package mcp

import (
	"context"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

const eventNotificationMethod = "notifications/message"

// ForwardEvents pushes execution events matching filter to every connected
// client as log message notifications until ctx is done. Delivery is
// best-effort.
func (s *Server) ForwardEvents(ctx context.Context, hub streaming.Hub, filter streaming.Filter) error {
	ch, cancel, err := hub.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.mcpServer.SendNotificationToAllClients(eventNotificationMethod, eventNotification(ev))
			}
		}
	}()
	return nil
}

func eventNotification(ev streaming.Event) map[string]any {
	level := "info"
	switch ev.Type {
	case schema.EventExecutionFailed, schema.EventStepFailed:
		level = "error"
	case schema.EventStepRetrying:
		level = "warning"
	}
	data := map[string]any{
		"type":                 ev.Type,
		"executionId":          ev.ExecutionID,
		"workflowDefinitionId": ev.WorkflowDefinitionID,
	}
	if ev.StepSlug != "" {
		data["stepSlug"] = ev.StepSlug
	}
	if len(ev.Payload) > 0 {
		data["payload"] = ev.Payload
	}
	return map[string]any{"level": level, "logger": "stepflow", "data": data}
}
