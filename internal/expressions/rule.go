package expressions

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

type ruleOp func(field, value any) bool

var ruleOperators = map[string]ruleOp{
	"equals":      Equal,
	"notEquals":   func(a, b any) bool { return !Equal(a, b) },
	"gt":          ordering(func(c int) bool { return c > 0 }),
	"gte":         ordering(func(c int) bool { return c >= 0 }),
	"lt":          ordering(func(c int) bool { return c < 0 }),
	"lte":         ordering(func(c int) bool { return c <= 0 }),
	"contains":    contains,
	"notContains": func(a, b any) bool { return !contains(a, b) },
	"startsWith":  stringPair(strings.HasPrefix),
	"endsWith":    stringPair(strings.HasSuffix),
	"in":          func(a, b any) bool { return contains(b, a) },
	"notIn":       func(a, b any) bool { return !contains(b, a) },
	"exists":      func(a, _ any) bool { return a != nil },
	"notExists":   func(a, _ any) bool { return a == nil },
	"isEmpty":     func(a, _ any) bool { return isEmpty(a) },
	"isNotEmpty":  func(a, _ any) bool { return !isEmpty(a) },
}

var ruleAliases = map[string]string{
	"==": "equals", "eq": "equals",
	"!=": "notEquals", "neq": "notEquals",
	">": "gt", ">=": "gte", "<": "lt", "<=": "lte",
}

func ordering(pred func(int) bool) ruleOp {
	return func(a, b any) bool {
		c, ok := Compare(a, b)
		return ok && pred(c)
	}
}

func stringPair(fn func(s, affix string) bool) ruleOp {
	return func(a, b any) bool {
		s, ok1 := normalize(a).(string)
		affix, ok2 := normalize(b).(string)
		return ok1 && ok2 && fn(s, affix)
	}
}

func isEmpty(v any) bool {
	switch t := normalize(v).(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// RuleOperators lists the accepted rule operator names, sorted.
func RuleOperators() []string {
	names := make([]string, 0, len(ruleOperators)+len(ruleAliases))
	for k := range ruleOperators {
		names = append(names, k)
	}
	for k := range ruleAliases {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// CheckRule validates the shape of a structured rule without evaluating it.
func CheckRule(rule *schema.Rule) error {
	if rule == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "rule is empty")
	}
	if len(rule.All) > 0 || len(rule.Any) > 0 {
		for i := range rule.All {
			if err := CheckRule(&rule.All[i]); err != nil {
				return err
			}
		}
		for i := range rule.Any {
			if err := CheckRule(&rule.Any[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if rule.Field == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "rule requires a field or an all/any group")
	}
	if _, ok := lookupOperator(rule.Operator); !ok {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "unknown rule operator %q; valid: %s",
			rule.Operator, strings.Join(RuleOperators(), ", "))
	}
	return nil
}

func lookupOperator(name string) (ruleOp, bool) {
	if alias, ok := ruleAliases[name]; ok {
		name = alias
	}
	if name == "" {
		name = "equals"
	}
	op, ok := ruleOperators[name]
	return op, ok
}

// EvaluateRule evaluates a structured rule against data. An all-group is true
// when every member is; an any-group when at least one is.
func EvaluateRule(rule *schema.Rule, data map[string]any) (bool, error) {
	if err := CheckRule(rule); err != nil {
		return false, err
	}
	return evalRule(rule, data), nil
}

func evalRule(rule *schema.Rule, data map[string]any) bool {
	if len(rule.All) > 0 || len(rule.Any) > 0 {
		for i := range rule.All {
			if !evalRule(&rule.All[i], data) {
				return false
			}
		}
		if len(rule.Any) == 0 {
			return true
		}
		for i := range rule.Any {
			if evalRule(&rule.Any[i], data) {
				return true
			}
		}
		return false
	}
	op, _ := lookupOperator(rule.Operator)
	return op(Lookup(data, rule.Field), normalize(rule.Value))
}

// Lookup resolves a dotted path ("customer.address.city", "items.0.sku")
// against data. Missing segments yield nil.
func Lookup(data map[string]any, path string) any {
	if path == "" {
		return nil
	}
	if v, ok := data[path]; ok {
		return normalize(v)
	}
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		switch c := normalize(cur).(type) {
		case map[string]any:
			cur = c[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil
			}
			cur = c[i]
		default:
			return nil
		}
	}
	return normalize(cur)
}
