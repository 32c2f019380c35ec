package expressions

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 30 * time.Minute
)

// Evaluator evaluates the native condition language: comparisons, boolean
// logic, arithmetic, nil-safe field access and the date transforms. A
// missing field evaluates to nil, which is falsy; only malformed syntax is
// reported as an error. Compiled programs are cached and shared across
// goroutines.
type Evaluator struct {
	clock clock.Clock
	cache *compileCache[*Program]
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithClock sets the clock used by daysAgo/hoursAgo/minutesAgo.
func WithClock(c clock.Clock) EvaluatorOption {
	return func(e *Evaluator) { e.clock = c }
}

// WithCacheSize bounds the number of cached compiled programs.
func WithCacheSize(n int) EvaluatorOption {
	return func(e *Evaluator) {
		e.cache = newCompileCache[*Program](n, defaultCacheTTL)
	}
}

// NewEvaluator creates an Evaluator using the wall clock.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{clock: clock.New()}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = newCompileCache[*Program](defaultCacheSize, defaultCacheTTL)
	}
	return e
}

// Program is a parsed and checked expression.
type Program struct {
	source string
	root   ast.Node
}

// Source returns the expression text the program was compiled from.
func (p *Program) Source() string { return p.source }

// Root returns the parsed syntax tree. Callers must not mutate it.
func (p *Program) Root() ast.Node { return p.root }

// Name returns the engine identifier.
func (e *Evaluator) Name() string { return "native" }

// Compile parses and checks an expression. Unknown functions and unsupported
// constructs are rejected here, so a compiled program never fails at runtime
// for syntactic reasons.
func (e *Evaluator) Compile(expression string) (*Program, error) {
	return e.cache.getOrCompile(expression, Parse)
}

// Parse parses and checks an expression without caching.
func Parse(expression string) (*Program, error) {
	if expression == "" {
		return nil, syntaxError(expression, "empty expression", nil)
	}
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, syntaxError(expression, err.Error(), err)
	}
	if err := check(tree.Node); err != nil {
		return nil, syntaxError(expression, err.Error(), err)
	}
	return &Program{source: expression, root: tree.Node}, nil
}

// Evaluate compiles (or fetches from cache) and runs an expression against data.
func (e *Evaluator) Evaluate(expression string, data map[string]any) (any, error) {
	prg, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return e.Run(prg, data), nil
}

// EvaluateBool evaluates an expression and reports its truthiness.
func (e *Evaluator) EvaluateBool(expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, data)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Run evaluates a compiled program. It never fails: type mismatches and
// missing paths yield nil.
func (e *Evaluator) Run(prg *Program, data map[string]any) any {
	r := &run{now: e.clock.Now(), data: data}
	return r.eval(prg.root)
}

// Matches evaluates a compiled program as a predicate.
func (e *Evaluator) Matches(prg *Program, data map[string]any) bool {
	return Truthy(e.Run(prg, data))
}

// engineAdapter exposes the Evaluator through the Engine interface.
type engineAdapter struct{ *Evaluator }

// AsEngine returns the Evaluator as an Engine.
func (e *Evaluator) AsEngine() Engine { return engineAdapter{e} }

func (a engineAdapter) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	return a.Evaluator.Evaluate(expression, data)
}

func syntaxError(expression, msg string, cause error) *schema.StepflowError {
	e := schema.NewErrorf(schema.ErrCodeExpressionSyntax, "invalid expression %q: %s", expression, msg).
		WithDetails(map[string]any{"expression": expression})
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

// supportedBuiltins are the expr builtins the native language accepts.
var supportedBuiltins = map[string]int{
	"len":   1,
	"lower": 1,
	"upper": 1,
	"trim":  1,
	"abs":   1,
	"now":   0,
}

var supportedBinary = map[string]bool{
	"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
	"&&": true, "||": true, "and": true, "or": true,
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"in": true, "contains": true, "startsWith": true, "endsWith": true, "??": true,
}

// check walks the tree and rejects anything the evaluator does not implement.
func check(node ast.Node) error {
	switch n := node.(type) {
	case *ast.NilNode, *ast.IdentifierNode, *ast.IntegerNode, *ast.FloatNode,
		*ast.BoolNode, *ast.StringNode, *ast.ConstantNode:
		return nil
	case *ast.UnaryNode:
		switch n.Operator {
		case "!", "not", "-", "+":
			return check(n.Node)
		}
		return fmt.Errorf("unsupported operator %q", n.Operator)
	case *ast.BinaryNode:
		if !supportedBinary[n.Operator] {
			return fmt.Errorf("unsupported operator %q", n.Operator)
		}
		if err := check(n.Left); err != nil {
			return err
		}
		return check(n.Right)
	case *ast.ChainNode:
		return check(n.Node)
	case *ast.MemberNode:
		if n.Method {
			return fmt.Errorf("method calls are not supported")
		}
		if err := check(n.Node); err != nil {
			return err
		}
		return check(n.Property)
	case *ast.ConditionalNode:
		for _, c := range []ast.Node{n.Cond, n.Exp1, n.Exp2} {
			if err := check(c); err != nil {
				return err
			}
		}
		return nil
	case *ast.ArrayNode:
		for _, c := range n.Nodes {
			if err := check(c); err != nil {
				return err
			}
		}
		return nil
	case *ast.BuiltinNode:
		arity, ok := supportedBuiltins[n.Name]
		if !ok {
			return fmt.Errorf("unknown function %q", n.Name)
		}
		if len(n.Arguments) != arity {
			return fmt.Errorf("%s expects %d argument(s), got %d", n.Name, arity, len(n.Arguments))
		}
		return checkAll(n.Arguments)
	case *ast.CallNode:
		ident, ok := n.Callee.(*ast.IdentifierNode)
		if !ok {
			return fmt.Errorf("method calls are not supported")
		}
		fn, ok := transforms[ident.Value]
		if !ok {
			return fmt.Errorf("unknown function %q", ident.Value)
		}
		if len(n.Arguments) != fn.arity {
			return fmt.Errorf("%s expects %d argument(s), got %d", ident.Value, fn.arity, len(n.Arguments))
		}
		return checkAll(n.Arguments)
	}
	return fmt.Errorf("unsupported construct %T", node)
}

func checkAll(nodes []ast.Node) error {
	for _, c := range nodes {
		if err := check(c); err != nil {
			return err
		}
	}
	return nil
}
