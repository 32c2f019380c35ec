// Package streaming fans execution lifecycle events out to in-process
// subscribers.
package streaming

import (
	"context"
	"time"
)

// Event is a lifecycle event of one execution. Type is one of the
// schema.Event* names.
type Event struct {
	ExecutionID          string         `json:"executionId"`
	OrganizationID       string         `json:"organizationId"`
	WorkflowDefinitionID string         `json:"workflowDefinitionId"`
	StepSlug             string         `json:"stepSlug,omitempty"`
	Type                 string         `json:"type"`
	Payload              map[string]any `json:"payload,omitempty"`
	At                   time.Time      `json:"at"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	OrganizationID string   `json:"organizationId,omitempty"`
	ExecutionID    string   `json:"executionId,omitempty"`
	Types          []string `json:"types,omitempty"`
}

// Publisher is the write side of a Hub.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Hub provides pub/sub for execution events.
type Hub interface {
	Publisher
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
