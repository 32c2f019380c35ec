package schema

import (
	"encoding/json"
	"fmt"
)

// StepConfig is the typed configuration of a step. The concrete type is
// determined by StepDefinition.Type.
type StepConfig interface {
	StepType() StepType
}

// TriggerType enumerates how a run can start.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerWebhook   TriggerType = "webhook"
	TriggerEvent     TriggerType = "event"
)

// TriggerTypes lists the accepted trigger types.
var TriggerTypes = []TriggerType{TriggerManual, TriggerScheduled, TriggerWebhook, TriggerEvent}

// TriggerConfig is the config block for trigger steps.
type TriggerConfig struct {
	Type      TriggerType `json:"type"`
	Cron      string      `json:"cron,omitempty"`
	Timezone  string      `json:"timezone,omitempty"`
	EventType string      `json:"eventType,omitempty"`
}

// ConditionConfig is the config block for condition steps. Exactly one of
// Expression or Rule is normally set; Expression wins when both are.
type ConditionConfig struct {
	Expression string `json:"expression,omitempty"`
	Rule       *Rule  `json:"rule,omitempty"`
	Dialect    string `json:"dialect,omitempty"` // native (default) | cel
}

// Rule is a structured predicate: either a leaf comparison or an all/any group.
type Rule struct {
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
	All      []Rule `json:"all,omitempty"`
	Any      []Rule `json:"any,omitempty"`
}

// ActionConfig is the config block for action steps. Params holds the action
// parameters wherever they were declared: under "params", under
// "parameters", or inline next to "type".
type ActionConfig struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// reservedActionKeys are config keys that are never treated as inline params.
var reservedActionKeys = map[string]bool{"type": true, "params": true, "parameters": true}

// ResolveActionParams extracts the parameter object from a raw action config.
func ResolveActionParams(config map[string]any) map[string]any {
	if p, ok := config["params"].(map[string]any); ok {
		return p
	}
	if p, ok := config["parameters"].(map[string]any); ok {
		return p
	}
	inline := make(map[string]any, len(config))
	for k, v := range config {
		if !reservedActionKeys[k] {
			inline[k] = v
		}
	}
	return inline
}

func (c *ActionConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, _ := raw["type"].(string)
	c.Type = t
	c.Params = ResolveActionParams(raw)
	return nil
}

// LLM output formats.
const (
	OutputFormatText = "text"
	OutputFormatJSON = "json"
)

// LLMConfig is the config block for llm steps.
type LLMConfig struct {
	Name         string          `json:"name"`
	SystemPrompt string          `json:"systemPrompt"`
	Prompt       string          `json:"prompt,omitempty"`
	Model        string          `json:"model,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	MaxTokens    int             `json:"maxTokens,omitempty"`
	OutputFormat string          `json:"outputFormat,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// Loop defaults and bounds.
const (
	DefaultMaxIterations = 100
	MaxLoopIterations    = 10000
	DefaultItemVariable  = "item"
	DefaultIndexVariable = "index"
)

// LoopConfig is the config block for loop steps. Items is either an
// expression resolving to an array or a literal array.
type LoopConfig struct {
	Items         any    `json:"items"`
	ItemVariable  string `json:"itemVariable,omitempty"`
	IndexVariable string `json:"indexVariable,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

// WithDefaults fills unset optional fields.
func (c LoopConfig) WithDefaults() LoopConfig {
	if c.ItemVariable == "" {
		c.ItemVariable = DefaultItemVariable
	}
	if c.IndexVariable == "" {
		c.IndexVariable = DefaultIndexVariable
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	return c
}

func (TriggerConfig) StepType() StepType   { return StepTypeTrigger }
func (ConditionConfig) StepType() StepType { return StepTypeCondition }
func (ActionConfig) StepType() StepType    { return StepTypeAction }
func (LLMConfig) StepType() StepType       { return StepTypeLLM }
func (LoopConfig) StepType() StepType      { return StepTypeLoop }

// DecodeConfig decodes the raw step config into its typed form.
func (s *StepDefinition) DecodeConfig() (StepConfig, error) {
	raw := s.Config
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var (
		cfg StepConfig
		err error
	)
	switch s.Type {
	case StepTypeTrigger:
		var c TriggerConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepTypeCondition:
		var c ConditionConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepTypeAction:
		var c ActionConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepTypeLLM:
		var c LLMConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepTypeLoop:
		var c LoopConfig
		err = json.Unmarshal(raw, &c)
		cfg = c.WithDefaults()
	default:
		return nil, NewErrorf(ErrCodeConfiguration, "unknown step type %q", s.Type).WithStep(s.Slug)
	}
	if err != nil {
		return nil, NewError(ErrCodeConfiguration, fmt.Sprintf("decode %s config: %v", s.Type, err)).
			WithStep(s.Slug).WithCause(err)
	}
	return cfg, nil
}
