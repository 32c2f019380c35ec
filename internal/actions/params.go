package actions

import (
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	f, ok := number(m[key])
	if !ok {
		return defaultVal
	}
	return int(f)
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	f, ok := number(m[key])
	if !ok {
		return defaultVal
	}
	return f
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// requireString returns a non-empty string param or a validation error.
func requireString(action string, m map[string]any, key string) (string, error) {
	s := stringParam(m, key, "")
	if s == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param %q", action, key)
	}
	return s, nil
}

// operationOf resolves the "operation" param against an action schema.
func operationOf(action string, s ActionSchema, params map[string]any) (string, error) {
	op := stringParam(params, "operation", s.DefaultOperation)
	required, ok := s.Operations[op]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: unknown operation %q", action, op)
	}
	for _, key := range required {
		if _, present := params[key]; !present {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: operation %q requires param %q", action, op, key)
		}
	}
	return op, nil
}
