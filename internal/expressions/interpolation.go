package expressions

import (
	"context"
	"strings"

	"github.com/rendis/stepflow/internal/secrets"
	"github.com/rendis/stepflow/pkg/schema"
)

const (
	openToken  = "${{"
	closeToken = "}}"
	secretNS   = "secrets."
)

// Scope is the data visible to ${{ ... }} references.
type Scope struct {
	OrganizationID string
	Data           map[string]any    // run scope: trigger, steps, vars, workflow, data, ...
	Secrets        map[string]string // run-scoped secrets resolved at start
}

// Interpolator resolves ${{ expression }} references inside step parameters.
// Non-secret references are evaluated with the native evaluator against the
// run scope; secrets.KEY references are resolved from the run-scoped secrets
// and then from the vault.
type Interpolator struct {
	eval  *Evaluator
	vault secrets.Vault
}

// NewInterpolator creates an Interpolator. vault may be nil.
func NewInterpolator(eval *Evaluator, vault secrets.Vault) *Interpolator {
	return &Interpolator{eval: eval, vault: vault}
}

// Resolve returns a copy of value with every string interpolated. A string
// consisting of a single reference takes the referenced value's type;
// references embedded in longer strings are stringified.
func (ip *Interpolator) Resolve(ctx context.Context, value any, scope Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return ip.resolveString(ctx, v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			r, err := ip.Resolve(ctx, child, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			r, err := ip.Resolve(ctx, child, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return value, nil
}

// ResolveMap is Resolve for parameter objects.
func (ip *Interpolator) ResolveMap(ctx context.Context, params map[string]any, scope Scope) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out, err := ip.Resolve(ctx, params, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (ip *Interpolator) resolveString(ctx context.Context, s string, scope Scope) (any, error) {
	if !strings.Contains(s, openToken) {
		return s, nil
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openToken) && strings.HasSuffix(trimmed, closeToken) &&
		strings.Count(trimmed, openToken) == 1 {
		inner := trimmed[len(openToken) : len(trimmed)-len(closeToken)]
		return ip.resolveRef(ctx, strings.TrimSpace(inner), scope)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openToken)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		body := rest[start+len(openToken):]
		end := strings.Index(body, closeToken)
		if end < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed %s in %q", openToken, s)
		}
		val, err := ip.resolveRef(ctx, strings.TrimSpace(body[:end]), scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringOf(val))
		rest = body[end+len(closeToken):]
	}
	return b.String(), nil
}

func (ip *Interpolator) resolveRef(ctx context.Context, ref string, scope Scope) (any, error) {
	switch {
	case ref == "":
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty reference ${{ }}")
	case strings.Contains(ref, openToken):
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "nested interpolation in %q", ref)
	case strings.HasPrefix(ref, secretNS):
		return ip.resolveSecret(ctx, strings.TrimPrefix(ref, secretNS), scope)
	}
	val, err := ip.eval.Evaluate(ref, scope.Data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "cannot resolve ${{ %s }}", ref).WithCause(err)
	}
	return val, nil
}

func (ip *Interpolator) resolveSecret(ctx context.Context, key string, scope Scope) (any, error) {
	if key == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "secret reference requires a key: secrets.<KEY>")
	}
	if v, ok := scope.Secrets[key]; ok {
		return v, nil
	}
	if ip.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "cannot resolve secret %q: no vault configured", key)
	}
	val, err := ip.vault.Resolve(ctx, scope.OrganizationID, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "cannot resolve secret %q", key).WithCause(err)
	}
	return string(val), nil
}

// HasInterpolation reports whether value contains any ${{ }} reference.
func HasInterpolation(value any) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, openToken)
	case map[string]any:
		for _, child := range v {
			if HasInterpolation(child) {
				return true
			}
		}
	case []any:
		for _, child := range v {
			if HasInterpolation(child) {
				return true
			}
		}
	}
	return false
}
