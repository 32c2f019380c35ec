package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/stepflow/pkg/schema"
)

// celVariables are the scope namespaces declared in the CEL environment.
var celVariables = []string{"trigger", "steps", "vars", "workflow"}

// CELEngine evaluates condition steps that opt into the "cel" dialect.
// Compiled programs are cached and shared across goroutines.
type CELEngine struct {
	env   *cel.Env
	cache *compileCache[cel.Program]
}

// NewCELEngine creates a CEL engine exposing the run scope: trigger, steps,
// vars and workflow as maps, and data (the previous step output) as dyn.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celVariables)+1)
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	opts = append(opts, cel.Variable("data", cel.DynType))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.cache = newCompileCache[cel.Program](defaultCacheSize, defaultCacheTTL)
	return e, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Compile checks a CEL expression and caches the program.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.cache.getOrCompile(expression, e.compile)
	return err
}

// Evaluate runs a CEL expression against the scope in data.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.cache.getOrCompile(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, celActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, syntaxError(expression, "empty CEL expression", nil)
	}
	checked, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, syntaxError(expression, issues.Err().Error(), issues.Err())
	}
	prg, err := e.env.Program(checked)
	if err != nil {
		return nil, syntaxError(expression, err.Error(), err)
	}
	return prg, nil
}

// celActivation fills absent namespaces with empty maps so references to
// them do not fail with "no such attribute".
func celActivation(data map[string]any) map[string]any {
	act := make(map[string]any, len(celVariables)+1)
	for _, name := range celVariables {
		if v, ok := data[name].(map[string]any); ok {
			act[name] = v
		} else {
			act[name] = map[string]any{}
		}
	}
	act["data"] = data["data"]
	return act
}

var _ Engine = (*CELEngine)(nil)
