package expressions

import (
	"math"
	"strings"
	"time"

	"github.com/expr-lang/expr/ast"
)

// run holds the per-evaluation state.
type run struct {
	now  time.Time
	data map[string]any
}

func (r *run) eval(node ast.Node) any {
	switch n := node.(type) {
	case *ast.NilNode:
		return nil
	case *ast.IdentifierNode:
		if r.data == nil {
			return nil
		}
		return normalize(r.data[n.Value])
	case *ast.IntegerNode:
		return float64(n.Value)
	case *ast.FloatNode:
		return n.Value
	case *ast.BoolNode:
		return n.Value
	case *ast.StringNode:
		return n.Value
	case *ast.ConstantNode:
		return normalize(n.Value)
	case *ast.UnaryNode:
		return r.unary(n)
	case *ast.BinaryNode:
		return r.binary(n)
	case *ast.ChainNode:
		return r.eval(n.Node)
	case *ast.MemberNode:
		return normalize(member(normalize(r.eval(n.Node)), r.eval(n.Property)))
	case *ast.ConditionalNode:
		if Truthy(r.eval(n.Cond)) {
			return r.eval(n.Exp1)
		}
		return r.eval(n.Exp2)
	case *ast.ArrayNode:
		out := make([]any, len(n.Nodes))
		for i, c := range n.Nodes {
			out[i] = r.eval(c)
		}
		return out
	case *ast.BuiltinNode:
		return r.builtin(n)
	case *ast.CallNode:
		ident := n.Callee.(*ast.IdentifierNode)
		args := make([]any, len(n.Arguments))
		for i, a := range n.Arguments {
			args[i] = r.eval(a)
		}
		return transforms[ident.Value].fn(r.now, args)
	}
	return nil
}

func (r *run) unary(n *ast.UnaryNode) any {
	v := r.eval(n.Node)
	switch n.Operator {
	case "!", "not":
		return !Truthy(v)
	case "-":
		if f, ok := toFloat(v); ok {
			return -f
		}
	case "+":
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return nil
}

func (r *run) binary(n *ast.BinaryNode) any {
	switch n.Operator {
	case "&&", "and":
		return Truthy(r.eval(n.Left)) && Truthy(r.eval(n.Right))
	case "||", "or":
		return Truthy(r.eval(n.Left)) || Truthy(r.eval(n.Right))
	case "??":
		if l := r.eval(n.Left); l != nil {
			return l
		}
		return r.eval(n.Right)
	}

	l, rv := r.eval(n.Left), r.eval(n.Right)
	switch n.Operator {
	case "==":
		return Equal(l, rv)
	case "!=":
		return !Equal(l, rv)
	case "<", ">", "<=", ">=":
		c, ok := Compare(l, rv)
		if !ok {
			return false
		}
		switch n.Operator {
		case "<":
			return c < 0
		case ">":
			return c > 0
		case "<=":
			return c <= 0
		default:
			return c >= 0
		}
	case "+":
		if ls, ok := l.(string); ok {
			return ls + stringOf(rv)
		}
		if rs, ok := rv.(string); ok && l != nil {
			return stringOf(l) + rs
		}
		return arith(l, rv, func(a, b float64) float64 { return a + b })
	case "-":
		return arith(l, rv, func(a, b float64) float64 { return a - b })
	case "*":
		return arith(l, rv, func(a, b float64) float64 { return a * b })
	case "/":
		return arith(l, rv, func(a, b float64) float64 {
			if b == 0 {
				return math.NaN()
			}
			return a / b
		})
	case "%":
		return arith(l, rv, func(a, b float64) float64 {
			if b == 0 {
				return math.NaN()
			}
			return math.Mod(a, b)
		})
	case "in":
		return contains(rv, l)
	case "contains":
		return contains(l, rv)
	case "startsWith":
		ls, ok1 := l.(string)
		rs, ok2 := rv.(string)
		return ok1 && ok2 && strings.HasPrefix(ls, rs)
	case "endsWith":
		ls, ok1 := l.(string)
		rs, ok2 := rv.(string)
		return ok1 && ok2 && strings.HasSuffix(ls, rs)
	}
	return nil
}

func (r *run) builtin(n *ast.BuiltinNode) any {
	if n.Name == "now" {
		return r.now
	}
	arg := normalize(r.eval(n.Arguments[0]))
	switch n.Name {
	case "len":
		switch v := arg.(type) {
		case string:
			return float64(len([]rune(v)))
		case []any:
			return float64(len(v))
		case map[string]any:
			return float64(len(v))
		}
		return nil
	case "lower":
		if s, ok := arg.(string); ok {
			return strings.ToLower(s)
		}
	case "upper":
		if s, ok := arg.(string); ok {
			return strings.ToUpper(s)
		}
	case "trim":
		if s, ok := arg.(string); ok {
			return strings.TrimSpace(s)
		}
	case "abs":
		if f, ok := toFloat(arg); ok {
			return math.Abs(f)
		}
	}
	return nil
}

// arith applies op to two numeric operands; any non-numeric operand or a
// non-finite result yields nil.
func arith(l, r any, op func(a, b float64) float64) any {
	a, ok1 := toFloat(l)
	b, ok2 := toFloat(r)
	if !ok1 || !ok2 {
		return nil
	}
	out := op(a, b)
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return nil
	}
	return out
}

// member performs nil-safe property or index access.
func member(container, property any) any {
	switch c := container.(type) {
	case map[string]any:
		key, ok := property.(string)
		if !ok {
			key = stringOf(property)
		}
		return c[key]
	case []any:
		if key, ok := property.(string); ok {
			if key == "length" {
				return float64(len(c))
			}
			return nil
		}
		f, ok := toFloat(property)
		if !ok || f != math.Trunc(f) {
			return nil
		}
		i := int(f)
		if i < 0 {
			i += len(c)
		}
		if i < 0 || i >= len(c) {
			return nil
		}
		return c[i]
	case string:
		if property == "length" {
			return float64(len([]rune(c)))
		}
	}
	return nil
}

func contains(haystack, needle any) bool {
	switch h := normalize(haystack).(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, v := range h {
			if Equal(v, needle) {
				return true
			}
		}
	case map[string]any:
		k, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := h[k]
		return found
	}
	return false
}
