package engine

import (
	"context"
	"strings"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// loopHandler drives the iteration stack. The first visit pushes a frame
// with the resolved items; each later visit (the body routing back to the
// loop step) advances it. Each iteration sets the item and index variables
// and follows "loop"; exhausting the items pops the frame and follows "done".
type loopHandler struct {
	eval         *expressions.Evaluator
	interpolator *expressions.Interpolator
}

func (h *loopHandler) Execute(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	cfg, ok := sc.Config.(schema.LoopConfig)
	if !ok {
		return StepOutcome{}, configTypeError(sc.Step)
	}
	cfg = cfg.WithDefaults()

	run := sc.run
	f := run.frame(sc.Step.Slug)
	if f == nil {
		items, err := h.items(ctx, cfg.Items, sc)
		if err != nil {
			return StepOutcome{}, err
		}
		f = &loopFrame{slug: sc.Step.Slug, items: items}
		run.push(f)
	} else {
		f.index++
	}

	if f.index >= len(f.items) {
		run.pop()
		run.DeleteVariable(cfg.ItemVariable)
		run.DeleteVariable(cfg.IndexVariable)
		return StepOutcome{
			Output: map[string]any{"iterations": f.index, "total": len(f.items)},
			Port:   schema.PortDone,
		}, nil
	}
	if f.index >= cfg.MaxIterations {
		run.pop()
		return StepOutcome{}, schema.NewErrorf(schema.ErrCodeMaxIterations,
			"loop %q exceeded maxIterations (%d) with %d items", sc.Step.Slug, cfg.MaxIterations, len(f.items)).
			WithDetails(map[string]any{"maxIterations": cfg.MaxIterations, "items": len(f.items)})
	}

	item := f.items[f.index]
	run.SetVariable(cfg.ItemVariable, item)
	run.SetVariable(cfg.IndexVariable, f.index)
	return StepOutcome{
		Output: map[string]any{
			cfg.ItemVariable:  item,
			cfg.IndexVariable: f.index,
			"iteration":       f.index + 1,
			"total":           len(f.items),
		},
		Port: schema.PortLoop,
	}, nil
}

// items resolves the loop source: a ${{ }} reference, a bare expression, or
// a literal array (whose elements may themselves be interpolated). A nil
// result is an empty list.
func (h *loopHandler) items(ctx context.Context, src any, sc *StepContext) ([]any, error) {
	var (
		v   any
		err error
	)
	switch s := src.(type) {
	case string:
		if strings.Contains(s, "${{") {
			v, err = h.interpolator.Resolve(ctx, s, sc.interpolationScope())
		} else {
			v, err = h.eval.Evaluate(s, sc.Scope)
		}
	default:
		v, err = h.interpolator.Resolve(ctx, src, sc.interpolationScope())
	}
	if err != nil {
		return nil, err
	}

	switch list := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return list, nil
	case []map[string]any:
		out := make([]any, len(list))
		for i := range list {
			out[i] = list[i]
		}
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeExecution, "loop items resolved to %T, want an array", v)
}
