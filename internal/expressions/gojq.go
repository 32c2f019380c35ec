package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/rendis/stepflow/pkg/schema"
)

// GoJQEngine evaluates jq programs for the transform.jq action.
type GoJQEngine struct {
	cache *compileCache[*gojq.Code]
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newCompileCache[*gojq.Code](defaultCacheSize, defaultCacheTTL)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq program over data. A single output is returned as-is,
// several outputs are collected into a slice, and no output yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll runs a jq program over any JSON-compatible input and returns
// every output.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, input any) ([]any, error) {
	code, err := e.cache.getOrCompile(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	normalized, err := toJQValue(input)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "jq input is not JSON-compatible").WithCause(err)
	}

	iter := code.RunWithContext(ctx, normalized)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			if halt, ok := err.(*gojq.HaltError); ok && halt.Value() == nil {
				break
			}
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// Compile checks a jq program and caches it.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.cache.getOrCompile(expression, compileJQ)
	return err
}

func compileJQ(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, syntaxError(expression, "empty jq expression", nil)
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, syntaxError(expression, err.Error(), err)
	}
	code, err := gojq.Compile(query,
		// $ENV is always empty.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, syntaxError(expression, err.Error(), err)
	}
	return code, nil
}

// toJQValue converts arbitrary Go values into the types gojq accepts
// (map[string]any, []any, float64, string, bool, nil) via a JSON round trip.
func toJQValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Engine = (*GoJQEngine)(nil)
