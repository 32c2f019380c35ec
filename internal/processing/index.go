package processing

import (
	"strings"

	"github.com/expr-lang/expr/ast"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/store"
)

// BaselineIndexName is the organization-scoped index every table has.
const BaselineIndexName = "by_organization"

// IndexDefinition is a composite secondary index of a source table. Every
// index is implicitly prefixed by the organization; Fields lists the
// remaining key fields in order, as dotted document paths.
type IndexDefinition struct {
	Name   string   `json:"name" yaml:"name"`
	Fields []string `json:"fields" yaml:"fields"`
}

// IndexRegistry maps table names to their declared indexes, in preference
// order. It is built once at startup and must not be mutated afterwards.
type IndexRegistry map[string][]IndexDefinition

// Selection is the outcome of index selection for one filter.
type Selection struct {
	Index IndexDefinition
	// IndexValues holds the literals for the matched prefix of Index.Fields.
	IndexValues []any
	// RequiresPostFilter is set when some part of the filter is not
	// satisfied by the index; Program must then be evaluated per record.
	RequiresPostFilter bool
	// Program is the parsed filter, nil when there is none or it failed to parse.
	Program *expressions.Program
	// ParseErr is the compile error of an unparseable filter.
	ParseErr error
}

// Equalities returns the index-satisfied predicates in store form.
func (s Selection) Equalities() []store.FieldMatch {
	if len(s.IndexValues) == 0 {
		return nil
	}
	out := make([]store.FieldMatch, len(s.IndexValues))
	for i, v := range s.IndexValues {
		out[i] = store.FieldMatch{Field: s.Index.Fields[i], Value: v}
	}
	return out
}

// IndexSelector maps filter expressions onto the best declared index.
type IndexSelector struct {
	registry IndexRegistry
	eval     *expressions.Evaluator
}

// NewIndexSelector creates a selector over a registry. The evaluator is
// used for its compile cache.
func NewIndexSelector(registry IndexRegistry, eval *expressions.Evaluator) *IndexSelector {
	if registry == nil {
		registry = IndexRegistry{}
	}
	return &IndexSelector{registry: registry, eval: eval}
}

// Indexes returns the indexes considered for a table, baseline first.
func (s *IndexSelector) Indexes(table string) []IndexDefinition {
	out := []IndexDefinition{{Name: BaselineIndexName}}
	return append(out, s.registry[table]...)
}

// Select picks the index for a filter. Only top-level "&&"-joined equality
// clauses between a field path and a string or numeric literal are
// index-satisfiable; the declared index with the longest satisfied field
// prefix wins, ties going to the earlier declaration. Any clause the chosen
// index does not consume requires the post-filter, which always evaluates
// the full original expression. An unparseable filter selects the baseline
// and requires the post-filter.
func (s *IndexSelector) Select(table, organizationID, filter string) Selection {
	baseline := IndexDefinition{Name: BaselineIndexName}
	if strings.TrimSpace(filter) == "" {
		return Selection{Index: baseline}
	}

	prg, err := s.eval.Compile(filter)
	if err != nil {
		return Selection{Index: baseline, RequiresPostFilter: true, ParseErr: err}
	}

	clauses := conjuncts(prg.Root(), nil)
	equalities := map[string]any{}
	for _, c := range clauses {
		field, value, ok := equalityClause(c)
		if !ok {
			continue
		}
		if _, dup := equalities[field]; !dup {
			equalities[field] = value
		}
	}

	best := Selection{Index: baseline, Program: prg}
	for _, idx := range s.registry[table] {
		var values []any
		for _, f := range idx.Fields {
			v, ok := equalities[f]
			if !ok {
				break
			}
			values = append(values, v)
		}
		if len(values) > len(best.IndexValues) {
			best.Index = idx
			best.IndexValues = values
		}
	}
	best.RequiresPostFilter = len(best.IndexValues) < len(clauses)
	return best
}

// conjuncts flattens top-level && / and into its operands.
func conjuncts(node ast.Node, acc []ast.Node) []ast.Node {
	if b, ok := node.(*ast.BinaryNode); ok && (b.Operator == "&&" || b.Operator == "and") {
		acc = conjuncts(b.Left, acc)
		return conjuncts(b.Right, acc)
	}
	return append(acc, node)
}

// equalityClause recognizes `field == literal` and `literal == field`.
func equalityClause(node ast.Node) (string, any, bool) {
	b, ok := node.(*ast.BinaryNode)
	if !ok || b.Operator != "==" {
		return "", nil, false
	}
	if field, ok := fieldPath(b.Left); ok {
		if v, ok := literal(b.Right); ok {
			return field, v, true
		}
	}
	if field, ok := fieldPath(b.Right); ok {
		if v, ok := literal(b.Left); ok {
			return field, v, true
		}
	}
	return "", nil, false
}

// fieldPath renders a plain dotted member chain. Optional chaining, computed
// properties and calls are not index paths.
func fieldPath(node ast.Node) (string, bool) {
	switch n := node.(type) {
	case *ast.IdentifierNode:
		return n.Value, true
	case *ast.MemberNode:
		if n.Optional || n.Method {
			return "", false
		}
		prop, ok := n.Property.(*ast.StringNode)
		if !ok {
			return "", false
		}
		parent, ok := fieldPath(n.Node)
		if !ok {
			return "", false
		}
		return parent + "." + prop.Value, true
	}
	return "", false
}

func literal(node ast.Node) (any, bool) {
	switch n := node.(type) {
	case *ast.StringNode:
		return n.Value, true
	case *ast.IntegerNode:
		return float64(n.Value), true
	case *ast.FloatNode:
		return n.Value, true
	case *ast.UnaryNode:
		if n.Operator != "-" {
			return nil, false
		}
		v, ok := literal(n.Node)
		if f, isNum := v.(float64); ok && isNum {
			return -f, true
		}
	}
	return nil, false
}
