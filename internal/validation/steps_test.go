package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/pkg/schema"
)

func newTestRegistry(t *testing.T) *actions.Registry {
	t.Helper()
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinDeps{}))
	return reg
}

func newTestStepValidator(t *testing.T) *StepValidator {
	t.Helper()
	sv, err := NewStepValidator(newTestRegistry(t))
	require.NoError(t, err)
	return sv
}

// issuePaths returns the paths of every error in r.
func issuePaths(issues []schema.ValidationIssue) []string {
	paths := make([]string, len(issues))
	for i, is := range issues {
		paths[i] = is.Path
	}
	return paths
}

func messages(issues []schema.ValidationIssue) string {
	var b strings.Builder
	for _, is := range issues {
		b.WriteString(is.Message)
		b.WriteString("\n")
	}
	return b.String()
}

func TestValidate_UnknownStepType(t *testing.T) {
	sv := newTestStepValidator(t)

	r := sv.Validate("webhook", map[string]any{})
	require.False(t, r.Valid())
	assert.Contains(t, r.Errors[0].Message, "trigger, condition, action, llm, loop")
}

func TestValidate_Trigger(t *testing.T) {
	sv := newTestStepValidator(t)

	tests := []struct {
		name     string
		config   map[string]any
		valid    bool
		warnings int
		errPath  string
	}{
		{"manual", map[string]any{"type": "manual"}, true, 0, ""},
		{"webhook", map[string]any{"type": "webhook"}, true, 0, ""},
		{"missing type", map[string]any{}, false, 0, "type"},
		{"unknown type", map[string]any{"type": "email"}, false, 0, "type"},
		{"scheduled five fields", map[string]any{"type": "scheduled", "cron": "0 9 * * 1-5"}, true, 0, ""},
		{"scheduled six fields", map[string]any{"type": "scheduled", "cron": "30 0 9 * * *"}, true, 0, ""},
		{"scheduled with timezone", map[string]any{"type": "scheduled", "cron": "0 9 * * *", "timezone": "UTC"}, true, 0, ""},
		{"scheduled bad timezone", map[string]any{"type": "scheduled", "cron": "0 9 * * *", "timezone": "Mars/Olympus"}, false, 0, "timezone"},
		{"scheduled without cron", map[string]any{"type": "scheduled"}, false, 0, "cron"},
		{"scheduled four fields", map[string]any{"type": "scheduled", "cron": "0 9 * *"}, false, 0, "cron"},
		{"scheduled seven fields", map[string]any{"type": "scheduled", "cron": "0 0 9 * * * 2024"}, false, 0, "cron"},
		{"out of range fields only warn", map[string]any{"type": "scheduled", "cron": "99 9 * * *"}, true, 1, ""},
		{"event", map[string]any{"type": "event", "eventType": "order.created"}, true, 0, ""},
		{"event without eventType", map[string]any{"type": "event"}, false, 0, "eventType"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sv.Validate(schema.StepTypeTrigger, tt.config)
			assert.Equal(t, tt.valid, r.Valid(), messages(r.Errors))
			assert.Len(t, r.Warnings, tt.warnings)
			if tt.errPath != "" {
				assert.Contains(t, issuePaths(r.Errors), tt.errPath)
			}
		})
	}
}

func TestValidate_Condition(t *testing.T) {
	sv := newTestStepValidator(t)

	tests := []struct {
		name   string
		config map[string]any
		valid  bool
		code   string
	}{
		{"expression", map[string]any{"expression": `trigger.status == "open"`}, true, ""},
		{"transform call", map[string]any{"expression": `daysAgo(data.createdAt) > 30`}, true, ""},
		{"rule", map[string]any{"rule": map[string]any{"field": "status", "operator": "equals", "value": "open"}}, true, ""},
		{"nested rule", map[string]any{"rule": map[string]any{"any": []any{
			map[string]any{"field": "a", "operator": "gt", "value": 1.0},
			map[string]any{"field": "b", "operator": "isEmpty"},
		}}}, true, ""},
		{"neither", map[string]any{}, false, schema.ErrCodeConfiguration},
		{"blank expression", map[string]any{"expression": "  "}, false, schema.ErrCodeConfiguration},
		{"syntax error", map[string]any{"expression": `status == `}, false, schema.ErrCodeExpressionSyntax},
		{"unknown function", map[string]any{"expression": `shout(status)`}, false, schema.ErrCodeExpressionSyntax},
		{"cel dialect", map[string]any{"expression": `trigger.status == "open"`, "dialect": "cel"}, true, ""},
		{"cel syntax error", map[string]any{"expression": `trigger.status ==`, "dialect": "cel"}, false, schema.ErrCodeExpressionSyntax},
		{"unknown dialect", map[string]any{"expression": `a == 1`, "dialect": "lua"}, false, schema.ErrCodeConfiguration},
		{"bad rule operator", map[string]any{"rule": map[string]any{"field": "a", "operator": "resembles"}}, false, schema.ErrCodeConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sv.Validate(schema.StepTypeCondition, tt.config)
			require.Equal(t, tt.valid, r.Valid(), messages(r.Errors))
			if !tt.valid {
				assert.Equal(t, tt.code, r.Errors[0].Code)
			}
		})
	}
}

func TestValidate_LLM(t *testing.T) {
	sv := newTestStepValidator(t)
	objectSchema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"score": map[string]any{"type": "number"}},
		"required":   []any{"score"},
	}

	t.Run("json without schema", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeLLM, map[string]any{
			"name": "x", "systemPrompt": "y", "outputFormat": "json",
		})
		require.False(t, r.Valid())
		assert.Contains(t, messages(r.Errors), "outputSchema")
	})

	t.Run("schema without json format", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeLLM, map[string]any{
			"name": "x", "systemPrompt": "y", "outputSchema": objectSchema,
		})
		require.False(t, r.Valid())
		assert.Contains(t, issuePaths(r.Errors), "outputFormat")
	})

	t.Run("json with schema", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeLLM, map[string]any{
			"name": "score", "systemPrompt": "Rate it", "outputFormat": "json", "outputSchema": objectSchema,
			"temperature": 0.2, "maxTokens": 256.0,
		})
		assert.True(t, r.Valid(), messages(r.Errors))
	})

	t.Run("schema as JSON text", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeLLM, map[string]any{
			"name": "x", "systemPrompt": "y", "outputFormat": "json", "outputSchema": `{"type":"string"}`,
		})
		assert.True(t, r.Valid(), messages(r.Errors))
	})

	t.Run("schema syntax is checked", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeLLM, map[string]any{
			"name": "x", "systemPrompt": "y", "outputFormat": "json",
			"outputSchema": map[string]any{"type": "objekt"},
		})
		require.False(t, r.Valid())
		assert.Equal(t, []string{"outputSchema"}, issuePaths(r.Errors))
	})

	t.Run("required fields", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeLLM, map[string]any{"name": " "})
		assert.ElementsMatch(t, []string{"name", "systemPrompt"}, issuePaths(r.Errors))
	})

	t.Run("sampling bounds", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeLLM, map[string]any{
			"name": "x", "systemPrompt": "y", "temperature": 3.0, "maxTokens": 0.0,
		})
		assert.ElementsMatch(t, []string{"temperature", "maxTokens"}, issuePaths(r.Errors))
	})
}

func TestValidate_Action(t *testing.T) {
	sv := newTestStepValidator(t)

	t.Run("valid http request", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeAction, map[string]any{
			"type":   "http.request",
			"params": map[string]any{"url": "https://example.com", "method": "POST"},
		})
		assert.True(t, r.Valid(), messages(r.Errors))
	})

	t.Run("inline params", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeAction, map[string]any{
			"type": "http.request",
			"url":  "https://example.com",
		})
		assert.True(t, r.Valid(), messages(r.Errors))
	})

	t.Run("contract violations", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeAction, map[string]any{
			"type":   "http.request",
			"params": map[string]any{"method": "FETCH"},
		})
		require.False(t, r.Valid())
		paths := issuePaths(r.Errors)
		assert.Contains(t, paths, "params", "missing url")
		assert.Contains(t, paths, "params.method")
	})

	t.Run("interpolated params are checked at run time", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeAction, map[string]any{
			"type": "http.request",
			"params": map[string]any{
				"url":     "${{ steps.lookup.output.url }}",
				"headers": "${{ vars.headers }}",
				"timeout": "${{ vars.timeout }}",
			},
		})
		assert.True(t, r.Valid(), messages(r.Errors))
	})

	t.Run("interpolation does not hide other violations", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeAction, map[string]any{
			"type":   "http.request",
			"params": map[string]any{"url": "${{ vars.url }}", "followRedirects": "yes"},
		})
		require.False(t, r.Valid())
		assert.Equal(t, []string{"params.followRedirects"}, issuePaths(r.Errors))
	})

	t.Run("unknown type lists registered types", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeAction, map[string]any{"type": "crm.create_contact"})
		require.False(t, r.Valid())
		assert.Equal(t, schema.ErrCodeActionUnavailable, r.Errors[0].Code)
		assert.Contains(t, r.Errors[0].Message, "expr.eval, http.request, transform.jq, variables.set")
	})

	t.Run("missing type", func(t *testing.T) {
		r := sv.Validate(schema.StepTypeAction, map[string]any{})
		assert.Equal(t, []string{"type"}, issuePaths(r.Errors))
	})
}

func TestValidate_ActionOperations(t *testing.T) {
	sv := newTestStepValidator(t)

	tests := []struct {
		name   string
		params map[string]any
		paths  []string
	}{
		{"default operation", map[string]any{"name": "count", "value": 1.0}, nil},
		{"default operation missing value", map[string]any{"name": "count"}, []string{"params.value"}},
		{"merge", map[string]any{"operation": "merge", "values": map[string]any{"a": 1.0}}, nil},
		{"merge missing values", map[string]any{"operation": "merge"}, []string{"params.values"}},
		{"unknown operation", map[string]any{"operation": "append"}, []string{"params.operation", "params.operation"}},
		{"interpolated operation", map[string]any{"operation": "${{ vars.op }}"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sv.Validate(schema.StepTypeAction, map[string]any{"type": "variables.set", "params": tt.params})
			if tt.paths == nil {
				assert.True(t, r.Valid(), messages(r.Errors))
				return
			}
			assert.Equal(t, tt.paths, issuePaths(r.Errors))
		})
	}
}

func TestValidate_ActionWithoutCatalog(t *testing.T) {
	sv, err := NewStepValidator(nil)
	require.NoError(t, err)

	r := sv.Validate(schema.StepTypeAction, map[string]any{"type": "anything.goes"})
	assert.True(t, r.Valid())
}

func TestValidate_Loop(t *testing.T) {
	sv := newTestStepValidator(t)

	tests := []struct {
		name   string
		config map[string]any
		paths  []string
	}{
		{"reference", map[string]any{"items": "${{ steps.load.output.items }}"}, nil},
		{"literal array", map[string]any{"items": []any{"a", "b"}, "maxIterations": 10.0}, nil},
		{"upper bound", map[string]any{"items": "x", "maxIterations": 10000.0}, nil},
		{"missing items", map[string]any{}, []string{"items"}},
		{"blank items", map[string]any{"items": ""}, []string{"items"}},
		{"object items", map[string]any{"items": map[string]any{}}, []string{"items"}},
		{"zero", map[string]any{"items": "x", "maxIterations": 0.0}, []string{"maxIterations"}},
		{"too many", map[string]any{"items": "x", "maxIterations": 10001.0}, []string{"maxIterations"}},
		{"fractional", map[string]any{"items": "x", "maxIterations": 2.5}, []string{"maxIterations"}},
		{"variable clash", map[string]any{"items": "x", "itemVariable": "index"}, []string{"indexVariable"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sv.Validate(schema.StepTypeLoop, tt.config)
			if tt.paths == nil {
				assert.True(t, r.Valid(), messages(r.Errors))
				return
			}
			assert.Equal(t, tt.paths, issuePaths(r.Errors))
		})
	}
}
