package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

type variablesAction struct{}

// VariablesAction returns the action that writes run-scoped variables.
func VariablesAction() Action { return variablesAction{} }

func (variablesAction) Name() string { return "variables.set" }

func (variablesAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write run-scoped variables readable as vars.<name> by later steps.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "operation": {"type": "string", "enum": ["set", "merge", "unset"], "default": "set"},
    "name": {"type": "string", "minLength": 1},
    "value": {},
    "values": {"type": "object"}
  }
}`),
		Operations: map[string][]string{
			"set":   {"name", "value"},
			"merge": {"values"},
			"unset": {"name"},
		},
		DefaultOperation: "set",
	}
}

func (a variablesAction) Validate(input map[string]any) error {
	op, err := operationOf(a.Name(), a.Schema(), input)
	if err != nil {
		return err
	}
	switch op {
	case "set", "unset":
		_, err = requireString(a.Name(), input, "name")
	case "merge":
		if _, ok := input["values"].(map[string]any); !ok {
			err = schema.NewError(schema.ErrCodeValidation, "variables.set: values must be an object")
		}
	}
	return err
}

func (a variablesAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	vars := input.Context.Variables
	if vars == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "variables.set: no run variables available")
	}

	written := map[string]any{}
	switch stringParam(input.Params, "operation", "set") {
	case "set":
		name := stringParam(input.Params, "name", "")
		vars.SetVariable(name, input.Params["value"])
		written[name] = input.Params["value"]
	case "merge":
		for k, v := range mapParam(input.Params, "values") {
			vars.SetVariable(k, v)
			written[k] = v
		}
	case "unset":
		name := stringParam(input.Params, "name", "")
		vars.DeleteVariable(name)
		written[name] = nil
	}
	return &ActionOutput{Data: map[string]any{"variables": written}}, nil
}
