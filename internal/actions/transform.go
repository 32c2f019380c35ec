package actions

import (
	"context"
	"encoding/json"
	"maps"

	"github.com/rendis/stepflow/internal/expressions"
)

// TransformActions returns the data transformation actions.
func TransformActions() []Action {
	return []Action{
		&exprEvalAction{engine: expressions.NewExprEngine()},
		&jqAction{engine: expressions.NewGoJQEngine()},
	}
}

// scopeWith returns the run scope extended with an explicit "data" param.
func scopeWith(input ActionInput) map[string]any {
	scope := make(map[string]any, len(input.Context.Scope)+1)
	maps.Copy(scope, input.Context.Scope)
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}
	return scope
}

// --- expr.eval ---

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an Expr expression against the run scope or explicit data",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"expression": {"type": "string", "minLength": 1}, "data": {}},
  "required": ["expression"]
}`),
	}
}

func (a *exprEvalAction) Validate(input map[string]any) error {
	_, err := requireString(a.Name(), input, "expression")
	return err
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expression := stringParam(input.Params, "expression", "")

	result, err := a.engine.Evaluate(ctx, expression, scopeWith(input))
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{"result": result}}, nil
}

// --- transform.jq ---

type jqAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqAction) Name() string { return "transform.jq" }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a jq program over input (default: the run scope). With all=true every output is returned as an array.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "input": {},
    "all": {"type": "boolean", "default": false}
  },
  "required": ["expression"]
}`),
	}
}

func (a *jqAction) Validate(input map[string]any) error {
	expression, err := requireString(a.Name(), input, "expression")
	if err != nil {
		return err
	}
	return a.engine.Compile(expression)
}

func (a *jqAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expression := stringParam(input.Params, "expression", "")

	var source any = input.Context.Scope
	if v, ok := input.Params["input"]; ok {
		source = v
	}

	results, err := a.engine.EvaluateAll(ctx, expression, source)
	if err != nil {
		return nil, err
	}
	if boolParam(input.Params, "all", false) {
		if results == nil {
			results = []any{}
		}
		return &ActionOutput{Data: map[string]any{"result": results}}, nil
	}
	if len(results) == 0 {
		return &ActionOutput{Data: map[string]any{"result": nil}}, nil
	}
	return &ActionOutput{Data: map[string]any{"result": results[0]}}, nil
}
