package validation

import (
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// maxRetryWarning is the retry count above which a warning is emitted.
const maxRetryWarning = 10

// WorkflowValidator orchestrates the three-stage publish validation:
//  1. Structural (JSON Schema of the definition)
//  2. Step configs (StepValidator per step) and workflow settings
//  3. Graph (triggers, slugs, ports, reachability)
type WorkflowValidator struct {
	steps *StepValidator
}

// NewWorkflowValidator creates a WorkflowValidator. catalog may be nil to
// skip action checks.
func NewWorkflowValidator(catalog ActionCatalog) (*WorkflowValidator, error) {
	sv, err := NewStepValidator(catalog)
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{steps: sv}, nil
}

// Steps returns the underlying step validator.
func (wv *WorkflowValidator) Steps() *StepValidator { return wv.steps }

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: later stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.steps.schemas.CheckDefinition(def)
	if !result.Valid() {
		return result
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%s]", step.Slug)

		cfg, err := step.ConfigMap()
		if err != nil {
			result.AddError(path+".config", schema.ErrCodeConfiguration, messageOf(err))
			continue
		}
		result.MergeUnder(path+".config", wv.steps.Validate(step.Type, cfg))
		validateRetry(step.Retry, path+".retry", result)
		validateDuration(step.Timeout, path+".timeout", result)
	}

	validateRetry(def.Config.Retry, "config.retry", result)
	validateDuration(def.Config.Timeout, "config.timeout", result)

	result.Merge(validateGraph(def))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

func validateRetry(p *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if p == nil {
		return
	}
	if p.Max > maxRetryWarning {
		result.AddWarning(path+".max", schema.ErrCodeConfiguration,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", p.Max))
	}
	validateDuration(p.Delay, path+".delay", result)
	validateDuration(p.MaxDelay, path+".maxDelay", result)
	if p.Delay != "" && p.MaxDelay != "" {
		d, errD := time.ParseDuration(p.Delay)
		m, errM := time.ParseDuration(p.MaxDelay)
		if errD == nil && errM == nil && m < d {
			result.AddError(path+".maxDelay", schema.ErrCodeConfiguration, "maxDelay is shorter than delay")
		}
	}
}

func validateDuration(s, path string, result *schema.ValidationResult) {
	if s == "" {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.AddErrorf(path, schema.ErrCodeConfiguration, "invalid duration %q", s)
		return
	}
	if d <= 0 {
		result.AddErrorf(path, schema.ErrCodeConfiguration, "duration %q must be positive", s)
	}
}

var _ Validator = (*WorkflowValidator)(nil)
