package engine

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// StepContext is what a handler sees of the run.
type StepContext struct {
	Step   *schema.StepDefinition
	Config schema.StepConfig
	// Scope is the expression data for this step (see runState.scope).
	Scope   map[string]any
	Attempt int

	run *runState
}

// OrganizationID returns the tenant of the run.
func (sc *StepContext) OrganizationID() string { return sc.run.exec.OrganizationID }

// ExecutionID returns the id of the run.
func (sc *StepContext) ExecutionID() string { return sc.run.exec.ID }

// interpolationScope is the scope ${{ }} references resolve against.
func (sc *StepContext) interpolationScope() expressions.Scope {
	return expressions.Scope{
		OrganizationID: sc.run.exec.OrganizationID,
		Data:           sc.Scope,
		Secrets:        sc.run.secrets,
	}
}

// StepOutcome is a handler's result: the raw output and the chosen port.
type StepOutcome struct {
	Output any
	Port   string
}

// StepHandler executes one step type.
type StepHandler interface {
	Execute(ctx context.Context, sc *StepContext) (StepOutcome, error)
}

// retryable reports whether failed invocations of a step type may be
// re-attempted under a retry policy. Routing steps are deterministic.
func retryable(t schema.StepType) bool {
	return t == schema.StepTypeAction || t == schema.StepTypeLLM
}

// --- trigger ---

type triggerHandler struct{}

// Execute emits the trigger payload.
func (triggerHandler) Execute(_ context.Context, sc *StepContext) (StepOutcome, error) {
	payload := sc.run.exec.TriggerPayload
	if payload == nil {
		payload = map[string]any{}
	}
	return StepOutcome{Output: payload, Port: schema.PortSuccess}, nil
}

// --- condition ---

// Condition dialects.
const (
	DialectNative = "native"
	DialectCEL    = "cel"
)

type conditionHandler struct {
	eval *expressions.Evaluator
	cel  *expressions.CELEngine
}

func (h *conditionHandler) Execute(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	cfg, ok := sc.Config.(schema.ConditionConfig)
	if !ok {
		return StepOutcome{}, configTypeError(sc.Step)
	}

	var (
		result bool
		err    error
	)
	out := map[string]any{}
	switch {
	case cfg.Expression != "":
		out["expression"] = cfg.Expression
		result, err = h.evaluate(ctx, cfg, sc.Scope)
	case cfg.Rule != nil:
		result, err = expressions.EvaluateRule(cfg.Rule, sc.Scope)
	default:
		err = schema.NewError(schema.ErrCodeConfiguration, "condition requires an expression or a rule")
	}
	if err != nil {
		return StepOutcome{}, err
	}

	out["result"] = result
	port := schema.PortFalse
	if result {
		port = schema.PortTrue
	}
	return StepOutcome{Output: out, Port: port}, nil
}

func (h *conditionHandler) evaluate(ctx context.Context, cfg schema.ConditionConfig, data map[string]any) (bool, error) {
	switch cfg.Dialect {
	case "", DialectNative:
		return h.eval.EvaluateBool(cfg.Expression, data)
	case DialectCEL:
		if h.cel == nil {
			return false, schema.NewError(schema.ErrCodeConfiguration, "cel dialect is not available")
		}
		v, err := h.cel.Evaluate(ctx, cfg.Expression, data)
		if err != nil {
			return false, err
		}
		return expressions.Truthy(v), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown condition dialect %q", cfg.Dialect)
}

func configTypeError(step *schema.StepDefinition) error {
	return schema.NewErrorf(schema.ErrCodeConfiguration, "step %q: config does not match type %s", step.Slug, step.Type)
}
