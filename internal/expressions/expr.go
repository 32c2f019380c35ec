package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/stepflow/pkg/schema"
)

// ExprEngine runs the full expr-lang language (let bindings, filter/map,
// pipes) for the expr.eval action. Unlike the native evaluator, undefined
// variables resolve to nil but type errors surface as execution errors.
type ExprEngine struct {
	cache *compileCache[*vm.Program]
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newCompileCache[*vm.Program](defaultCacheSize, defaultCacheTTL)}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string { return "expr" }

// Evaluate compiles (or fetches from cache) and runs an expression with data
// as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.cache.getOrCompile(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Compile checks an expression and caches the program.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.cache.getOrCompile(expression, compileExpr)
	return err
}

func compileExpr(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, syntaxError(expression, "empty expr expression", nil)
	}
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, syntaxError(expression, err.Error(), err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
