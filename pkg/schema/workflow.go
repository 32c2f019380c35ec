package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is one version of a workflow. Published versions are
// immutable; a new version is created to change behavior.
type WorkflowDefinition struct {
	ID             string           `json:"id,omitempty"`
	OrganizationID string           `json:"organizationId"`
	Name           string           `json:"name"`
	Version        string           `json:"version"`
	Description    string           `json:"description,omitempty"`
	Status         DefinitionStatus `json:"status,omitempty"`
	Steps          []StepDefinition `json:"steps"`
	Config         WorkflowConfig   `json:"config,omitempty"`
	CreatedAt      time.Time        `json:"createdAt,omitempty"`
	PublishedAt    *time.Time       `json:"publishedAt,omitempty"`
	ArchivedAt     *time.Time       `json:"archivedAt,omitempty"`
}

// WorkflowConfig holds workflow-level settings shared by all steps.
type WorkflowConfig struct {
	Timeout   string         `json:"timeout,omitempty"` // e.g. "5m"
	Retry     *RetryPolicy   `json:"retry,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Secrets   []string       `json:"secrets,omitempty"` // vault keys resolved at run start
	MaxSteps  int            `json:"maxSteps,omitempty"`
}

// StepDefinition is a node of the workflow graph.
type StepDefinition struct {
	Slug      string            `json:"slug"`
	Type      StepType          `json:"type"`
	Name      string            `json:"name,omitempty"`
	Order     int               `json:"order,omitempty"`
	Config    json.RawMessage   `json:"config,omitempty"`
	NextSteps map[string]string `json:"nextSteps,omitempty"` // port -> slug; "" marks a terminal port
	Retry     *RetryPolicy      `json:"retry,omitempty"`
	Timeout   string            `json:"timeout,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeTrigger   StepType = "trigger"
	StepTypeCondition StepType = "condition"
	StepTypeAction    StepType = "action"
	StepTypeLLM       StepType = "llm"
	StepTypeLoop      StepType = "loop"
)

// StepTypes lists every step type in declaration order.
var StepTypes = []StepType{StepTypeTrigger, StepTypeCondition, StepTypeAction, StepTypeLLM, StepTypeLoop}

// Output ports.
const (
	PortSuccess = "success"
	PortError   = "error"
	PortTrue    = "true"
	PortFalse   = "false"
	PortLoop    = "loop"
	PortDone    = "done"
)

// RetryPolicy configures retry behavior for a step or a whole workflow.
type RetryPolicy struct {
	Max      int    `json:"max"`                // max retry attempts after the first
	Backoff  string `json:"backoff,omitempty"`  // none | constant | linear | exponential (default: exponential)
	Delay    string `json:"delay,omitempty"`    // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"maxDelay,omitempty"` // cap on a single delay
}

// Step returns the step with the given slug.
func (d *WorkflowDefinition) Step(slug string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].Slug == slug {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Trigger returns the first trigger step.
func (d *WorkflowDefinition) Trigger() (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].Type == StepTypeTrigger {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// ConfigMap decodes the raw config into a generic map. A missing config
// yields an empty map.
func (s *StepDefinition) ConfigMap() (map[string]any, error) {
	m := map[string]any{}
	if len(s.Config) == 0 || string(s.Config) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(s.Config, &m); err != nil {
		return nil, NewErrorf(ErrCodeConfiguration, "step %s: config is not a JSON object", s.Slug).WithCause(err)
	}
	return m, nil
}
