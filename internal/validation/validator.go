package validation

import (
	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/pkg/schema"
)

// Validator checks workflow definitions before they are published.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ActionCatalog is the read side of the action registry that the validator
// needs. A nil catalog skips action type and parameter checks.
type ActionCatalog interface {
	Get(name string) (actions.Action, error)
	Names() []string
}
