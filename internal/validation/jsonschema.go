package validation

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for the shape of a WorkflowDefinition.
// Step configs are checked per type by StepValidator, not here.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["organizationId", "name", "version", "steps"],
  "properties": {
    "id": { "type": "string" },
    "organizationId": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "status": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "config": {
      "type": "object",
      "properties": {
        "timeout": { "$ref": "#/$defs/duration" },
        "retry": { "$ref": "#/$defs/retry" },
        "variables": { "type": "object" },
        "secrets": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "maxSteps": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "createdAt": {},
    "publishedAt": {},
    "archivedAt": {}
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["slug", "type"],
      "properties": {
        "slug": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["trigger", "condition", "action", "llm", "loop"] },
        "name": { "type": "string" },
        "order": { "type": "integer" },
        "config": { "type": ["object", "null"] },
        "nextSteps": { "type": "object", "additionalProperties": { "type": "string" } },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
        "delay": { "$ref": "#/$defs/duration" },
        "maxDelay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaURL = "https://stepflow.dev/schemas/workflow.json"

// violation is a single JSON Schema failure at an instance location.
type violation struct {
	Location string
	Message  string
}

func (v violation) String() string { return v.Location + ": " + v.Message }

// SchemaChecker compiles and applies JSON Schema Draft 2020-12 documents:
// the workflow shape, LLM output schemas and action parameter contracts.
// It is safe for concurrent use.
type SchemaChecker struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
	seq   int
}

// NewSchemaChecker creates a SchemaChecker with the workflow schema pre-compiled.
func NewSchemaChecker() (*SchemaChecker, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &SchemaChecker{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// CheckDefinition validates the shape of a workflow definition.
func (c *SchemaChecker) CheckDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize workflow definition: "+err.Error())
		return result
	}
	if err := c.workflowSchema.Validate(doc); err != nil {
		for _, v := range violationsOf(err) {
			result.AddError(v.Location, schema.ErrCodeValidation, v.Message)
		}
	}
	return result
}

// CheckSchema reports whether raw is itself a valid JSON Schema. The schema
// is compiled (and cached) but never executed.
func (c *SchemaChecker) CheckSchema(raw []byte) error {
	if _, err := c.getOrCompile(raw); err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid JSON schema: "+err.Error()).WithCause(err)
	}
	return nil
}

// CheckParams validates step params against an action's input schema.
// Params holding ${{ }} references are only known at run time, so failures
// located at (or inside) an interpolated value are not reported.
func (c *SchemaChecker) CheckParams(params map[string]any, inputSchema []byte) ([]violation, error) {
	if len(inputSchema) == 0 {
		return nil, nil
	}
	compiled, err := c.getOrCompile(inputSchema)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "invalid action input schema").WithCause(err)
	}

	if params == nil {
		params = map[string]any{}
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "params are not JSON serializable").WithCause(err)
	}

	err = compiled.Validate(doc)
	if err == nil {
		return nil, nil
	}

	dynamic := interpolatedPaths(params, "", nil)
	var out []violation
	for _, v := range violationsOf(err) {
		if !underAny(v.Location, dynamic) {
			out = append(out, v)
		}
	}
	return out, nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (c *SchemaChecker) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := c.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c.seq++
	url := fmt.Sprintf("stepflow://schema/%d", c.seq)

	// Fresh compiler per dynamic schema to avoid resource collisions.
	comp := newCompiler()
	if err := comp.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := comp.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violationsOf flattens a jsonschema.ValidationError tree into its leaves.
func violationsOf(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{Location: "/", Message: err.Error()}}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		return []violation{{
			Location: "/" + strings.Join(verr.InstanceLocation, "/"),
			Message:  leafMessage(verr.Error()),
		}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// leafMessage drops the "jsonschema validation failed with ..." header the
// library prints before every error.
func leafMessage(msg string) string {
	if i := strings.LastIndex(msg, "\n"); i >= 0 {
		msg = msg[i+1:]
	}
	msg = strings.TrimPrefix(msg, "- ")
	if strings.HasPrefix(msg, "at '") {
		if i := strings.Index(msg, "': "); i >= 0 {
			msg = msg[i+3:]
		}
	}
	return msg
}

// interpolatedPaths returns the "/"-joined locations of every string holding
// a ${{ }} reference.
func interpolatedPaths(v any, at string, acc []string) []string {
	switch t := v.(type) {
	case string:
		if expressions.HasInterpolation(t) {
			acc = append(acc, at)
		}
	case map[string]any:
		for k, child := range t {
			acc = interpolatedPaths(child, at+"/"+k, acc)
		}
	case []any:
		for i, child := range t {
			acc = interpolatedPaths(child, at+"/"+strconv.Itoa(i), acc)
		}
	}
	return acc
}

func underAny(location string, prefixes []string) bool {
	return slices.ContainsFunc(prefixes, func(p string) bool {
		return location == p || strings.HasPrefix(location, p+"/")
	})
}
