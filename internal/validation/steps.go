package validation

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// cronParser accepts standard 5-field expressions and an optional leading
// seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron parses a 5- or 6-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// stepConfigValidator checks the raw config of one step type.
type stepConfigValidator func(v *StepValidator, config map[string]any, r *schema.ValidationResult)

// stepValidators is the dispatch table for Validate.
var stepValidators = map[schema.StepType]stepConfigValidator{
	schema.StepTypeTrigger:   (*StepValidator).validateTrigger,
	schema.StepTypeCondition: (*StepValidator).validateCondition,
	schema.StepTypeAction:    (*StepValidator).validateAction,
	schema.StepTypeLLM:       (*StepValidator).validateLLM,
	schema.StepTypeLoop:      (*StepValidator).validateLoop,
}

// StepValidator validates step configurations at publish time.
// It is safe for concurrent use.
type StepValidator struct {
	catalog ActionCatalog
	schemas *SchemaChecker
	native  *expressions.Evaluator
	cel     *expressions.CELEngine
}

// NewStepValidator creates a StepValidator. catalog may be nil to skip action
// type and parameter checks.
func NewStepValidator(catalog ActionCatalog) (*StepValidator, error) {
	schemas, err := NewSchemaChecker()
	if err != nil {
		return nil, err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &StepValidator{
		catalog: catalog,
		schemas: schemas,
		native:  expressions.NewEvaluator(),
		cel:     celEngine,
	}, nil
}

// Validate checks config against the rules of stepType. Errors block
// activation; warnings do not.
func (v *StepValidator) Validate(stepType schema.StepType, config map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	fn, ok := stepValidators[stepType]
	if !ok {
		result.AddErrorf("type", schema.ErrCodeConfiguration, "unknown step type %q; valid types: %s",
			stepType, joinStepTypes())
		return result
	}
	if config == nil {
		config = map[string]any{}
	}
	fn(v, config, result)
	return result
}

func joinStepTypes() string {
	names := make([]string, len(schema.StepTypes))
	for i, t := range schema.StepTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// --- trigger ---

func (v *StepValidator) validateTrigger(config map[string]any, r *schema.ValidationResult) {
	typ, _ := config["type"].(string)
	switch schema.TriggerType(typ) {
	case schema.TriggerManual, schema.TriggerWebhook:
	case schema.TriggerScheduled:
		validateCron(config, r)
	case schema.TriggerEvent:
		if s, _ := config["eventType"].(string); strings.TrimSpace(s) == "" {
			r.AddError("eventType", schema.ErrCodeConfiguration, "event triggers require an eventType string")
		}
	case "":
		r.AddError("type", schema.ErrCodeConfiguration,
			"trigger type is required (manual, scheduled, webhook, event)")
	default:
		r.AddErrorf("type", schema.ErrCodeConfiguration,
			"unknown trigger type %q; valid types: manual, scheduled, webhook, event", typ)
	}
}

func validateCron(config map[string]any, r *schema.ValidationResult) {
	expr, ok := config["cron"].(string)
	if !ok || strings.TrimSpace(expr) == "" {
		r.AddError("cron", schema.ErrCodeConfiguration, "scheduled triggers require a cron expression")
		return
	}
	if n := len(strings.Fields(expr)); n != 5 && n != 6 {
		r.AddErrorf("cron", schema.ErrCodeConfiguration,
			"cron expression must have 5 or 6 fields, got %d", n)
		return
	}
	if _, err := ParseCron(expr); err != nil {
		r.AddWarning("cron", schema.ErrCodeConfiguration,
			fmt.Sprintf("cron expression %q may never fire: %v", expr, err))
	}
	if tz, _ := config["timezone"].(string); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			r.AddErrorf("timezone", schema.ErrCodeConfiguration, "unknown timezone %q", tz)
		}
	}
}

// --- condition ---

func (v *StepValidator) validateCondition(config map[string]any, r *schema.ValidationResult) {
	expr, hasExpr := config["expression"].(string)
	hasExpr = hasExpr && strings.TrimSpace(expr) != ""
	rawRule, hasRule := config["rule"].(map[string]any)

	if !hasExpr && !hasRule {
		r.AddError("/", schema.ErrCodeConfiguration, "condition steps require an expression or a rule")
		return
	}

	if hasExpr {
		dialect, _ := config["dialect"].(string)
		var err error
		switch dialect {
		case "", "native":
			_, err = v.native.Compile(expr)
		case "cel":
			err = v.cel.Compile(expr)
		default:
			r.AddErrorf("dialect", schema.ErrCodeConfiguration, "unknown dialect %q; valid: native, cel", dialect)
		}
		if err != nil {
			r.AddError("expression", schema.ErrCodeExpressionSyntax, messageOf(err))
		}
	}

	if hasRule {
		var rule schema.Rule
		if err := remarshal(rawRule, &rule); err != nil {
			r.AddError("rule", schema.ErrCodeConfiguration, "rule is malformed: "+err.Error())
			return
		}
		if err := expressions.CheckRule(&rule); err != nil {
			r.AddError("rule", schema.ErrCodeConfiguration, messageOf(err))
		}
	}
}

// --- llm ---

func (v *StepValidator) validateLLM(config map[string]any, r *schema.ValidationResult) {
	for _, key := range []string{"name", "systemPrompt"} {
		if s, _ := config[key].(string); strings.TrimSpace(s) == "" {
			r.AddErrorf(key, schema.ErrCodeConfiguration, "llm steps require a non-empty %s", key)
		}
	}

	format, _ := config["outputFormat"].(string)
	rawSchema, hasSchema := config["outputSchema"]
	hasSchema = hasSchema && rawSchema != nil

	switch format {
	case "", schema.OutputFormatText:
		if hasSchema {
			r.AddError("outputFormat", schema.ErrCodeConfiguration,
				`outputSchema requires outputFormat "json"`)
		}
	case schema.OutputFormatJSON:
		if !hasSchema {
			r.AddError("outputSchema", schema.ErrCodeConfiguration,
				`outputFormat "json" requires an outputSchema`)
		}
	default:
		r.AddErrorf("outputFormat", schema.ErrCodeConfiguration,
			"unknown outputFormat %q; valid: text, json", format)
	}

	if hasSchema {
		raw, err := schemaBytes(rawSchema)
		if err == nil {
			err = v.schemas.CheckSchema(raw)
		}
		if err != nil {
			r.AddError("outputSchema", schema.ErrCodeConfiguration, messageOf(err))
		}
	}

	if t, ok := config["temperature"]; ok {
		f, isNum := t.(float64)
		if !isNum || f < 0 || f > 2 {
			r.AddError("temperature", schema.ErrCodeConfiguration, "temperature must be a number between 0 and 2")
		}
	}
	if mt, ok := config["maxTokens"]; ok {
		if n, isInt := integer(mt); !isInt || n <= 0 {
			r.AddError("maxTokens", schema.ErrCodeConfiguration, "maxTokens must be a positive integer")
		}
	}
}

// schemaBytes accepts an outputSchema given as an object or as JSON text.
func schemaBytes(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		if !json.Valid([]byte(s)) {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "outputSchema is not valid JSON")
		}
		return []byte(s), nil
	}
	return json.Marshal(v)
}

// --- action ---

func (v *StepValidator) validateAction(config map[string]any, r *schema.ValidationResult) {
	typ, _ := config["type"].(string)
	if strings.TrimSpace(typ) == "" {
		r.AddError("type", schema.ErrCodeConfiguration, "action steps require a type")
		return
	}
	if v.catalog == nil {
		return
	}

	action, err := v.catalog.Get(typ)
	if err != nil {
		r.AddErrorf("type", schema.ErrCodeActionUnavailable, "unknown action type %q; valid types: %s",
			typ, strings.Join(v.catalog.Names(), ", "))
		return
	}

	params := schema.ResolveActionParams(config)
	contract := action.Schema()
	validateOperation(contract, params, r)

	violations, err := v.schemas.CheckParams(params, contract.InputSchema)
	if err != nil {
		r.AddError("params", schema.ErrCodeConfiguration, messageOf(err))
		return
	}
	for _, viol := range violations {
		path := "params"
		if loc := strings.Trim(viol.Location, "/"); loc != "" {
			path += "." + strings.ReplaceAll(loc, "/", ".")
		}
		r.AddError(path, schema.ErrCodeConfiguration, viol.Message)
	}
}

func validateOperation(contract actions.ActionSchema, params map[string]any, r *schema.ValidationResult) {
	if len(contract.Operations) == 0 {
		return
	}
	op := contract.DefaultOperation
	if raw, ok := params["operation"]; ok {
		s, isString := raw.(string)
		if !isString {
			r.AddError("params.operation", schema.ErrCodeConfiguration, "operation must be a string")
			return
		}
		if expressions.HasInterpolation(s) {
			return
		}
		op = s
	}

	required, ok := contract.Operations[op]
	if !ok {
		r.AddErrorf("params.operation", schema.ErrCodeConfiguration, "unknown operation %q; valid: %s",
			op, strings.Join(slices.Sorted(maps.Keys(contract.Operations)), ", "))
		return
	}
	for _, key := range required {
		if _, present := params[key]; !present {
			r.AddErrorf("params."+key, schema.ErrCodeConfiguration,
				"operation %q requires param %q", op, key)
		}
	}
}

// --- loop ---

func (v *StepValidator) validateLoop(config map[string]any, r *schema.ValidationResult) {
	switch items := config["items"].(type) {
	case nil:
		r.AddError("items", schema.ErrCodeConfiguration, "loop steps require an items reference")
	case string:
		if strings.TrimSpace(items) == "" {
			r.AddError("items", schema.ErrCodeConfiguration, "loop steps require an items reference")
		}
	case []any:
	default:
		r.AddError("items", schema.ErrCodeConfiguration, "items must be a reference string or an array")
	}

	if raw, ok := config["maxIterations"]; ok {
		n, isInt := integer(raw)
		if !isInt || n < 1 || n > schema.MaxLoopIterations {
			r.AddErrorf("maxIterations", schema.ErrCodeConfiguration,
				"maxIterations must be an integer between 1 and %d", schema.MaxLoopIterations)
		}
	}

	item, _ := config["itemVariable"].(string)
	index, _ := config["indexVariable"].(string)
	cfg := schema.LoopConfig{ItemVariable: item, IndexVariable: index}.WithDefaults()
	if cfg.ItemVariable == cfg.IndexVariable {
		r.AddErrorf("indexVariable", schema.ErrCodeConfiguration,
			"itemVariable and indexVariable must differ (both %q)", cfg.ItemVariable)
	}
}

// --- helpers ---

func integer(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		if i, isInt := v.(int); isInt {
			return i, true
		}
		return 0, false
	}
	if f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// messageOf returns the bare message of a StepflowError.
func messageOf(err error) string {
	if se, ok := err.(*schema.StepflowError); ok {
		return se.Message
	}
	return err.Error()
}
