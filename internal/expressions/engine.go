package expressions

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Engine evaluates expressions against a data map.
// Implementations: native (conditions, post-filters), CEL (condition
// dialect), GoJQ (transform.jq), Expr (expr.eval).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// compileCache memoizes compiled programs by expression text with a bounded,
// expiring cache.
type compileCache[T any] struct {
	c *ttlcache.Cache[string, T]
}

func newCompileCache[T any](size int, ttl time.Duration) *compileCache[T] {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &compileCache[T]{c: ttlcache.New(
		ttlcache.WithCapacity[string, T](uint64(size)),
		ttlcache.WithTTL[string, T](ttl),
	)}
}

func (cc *compileCache[T]) getOrCompile(expression string, compile func(string) (T, error)) (T, error) {
	if item := cc.c.Get(expression); item != nil {
		return item.Value(), nil
	}
	prg, err := compile(expression)
	if err != nil {
		var zero T
		return zero, err
	}
	cc.c.Set(expression, prg, ttlcache.DefaultTTL)
	return prg, nil
}

// Len returns the number of cached programs.
func (cc *compileCache[T]) Len() int { return cc.c.Len() }
