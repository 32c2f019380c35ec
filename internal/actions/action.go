package actions

import (
	"context"
	"encoding/json"
)

// Action is an executable unit of work behind an action step.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	// Validate checks resolved params right before execution.
	Validate(params map[string]any) error
}

// ActionRegistry maps action type names to implementations.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	Has(name string) bool
	Names() []string
	List() []ActionInfo
}

// ActionSchema describes the parameter contract of an action.
type ActionSchema struct {
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	// Operations lists, per value of the "operation" param, the params that
	// operation requires. Empty for single-operation actions.
	Operations map[string][]string `json:"operations,omitempty"`
	// DefaultOperation applies when the "operation" param is absent.
	DefaultOperation string `json:"defaultOperation,omitempty"`
}

// ActionInput is the data provided to an action at execution time. Params
// are already interpolated.
type ActionInput struct {
	Params  map[string]any `json:"params"`
	Context ActionContext  `json:"-"`
}

// ActionContext identifies the run an action executes in.
type ActionContext struct {
	OrganizationID       string
	WorkflowDefinitionID string
	ExecutionID          string
	StepSlug             string
	// Variables writes run-scoped variables. Nil outside of a run.
	Variables VariableSetter
	// Scope is a read-only view of the run state (trigger, steps, vars).
	Scope map[string]any
}

// VariableSetter mutates the run-scoped variables of an execution.
type VariableSetter interface {
	SetVariable(name string, value any)
	DeleteVariable(name string)
}

// ActionOutput is the result of an action execution. Data must be JSON
// serializable; nil is a valid result.
type ActionOutput struct {
	Data any `json:"data"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Operations       []string `json:"operations,omitempty"`
	DefaultOperation string   `json:"defaultOperation,omitempty"`
}
