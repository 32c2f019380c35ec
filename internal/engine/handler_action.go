package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/llm"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- action ---

type actionHandler struct {
	registry     actions.ActionRegistry
	interpolator *expressions.Interpolator
	breakers     *CircuitBreakers
}

func (h *actionHandler) Execute(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	cfg, ok := sc.Config.(schema.ActionConfig)
	if !ok {
		return StepOutcome{}, configTypeError(sc.Step)
	}
	action, err := h.registry.Get(cfg.Type)
	if err != nil {
		return StepOutcome{}, err
	}

	params, err := h.interpolator.ResolveMap(ctx, cfg.Params, sc.interpolationScope())
	if err != nil {
		return StepOutcome{}, err
	}
	if err := action.Validate(params); err != nil {
		return StepOutcome{}, err
	}

	if err := h.breakers.Allow(cfg.Type); err != nil {
		return StepOutcome{}, err
	}
	out, err := action.Execute(ctx, actions.ActionInput{
		Params: params,
		Context: actions.ActionContext{
			OrganizationID:       sc.OrganizationID(),
			WorkflowDefinitionID: sc.run.def.ID,
			ExecutionID:          sc.ExecutionID(),
			StepSlug:             sc.Step.Slug,
			Variables:            sc.run,
			Scope:                sc.Scope,
		},
	})
	h.breakers.Record(cfg.Type, err)
	if err != nil {
		return StepOutcome{}, err
	}
	var data any
	if out != nil {
		data = out.Data
	}
	return StepOutcome{Output: data, Port: schema.PortSuccess}, nil
}

// --- llm ---

type llmHandler struct {
	provider     llm.Provider
	interpolator *expressions.Interpolator

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func (h *llmHandler) Execute(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	cfg, ok := sc.Config.(schema.LLMConfig)
	if !ok {
		return StepOutcome{}, configTypeError(sc.Step)
	}
	if h.provider == nil {
		return StepOutcome{}, schema.NewError(schema.ErrCodeConfiguration, "no llm provider configured")
	}

	scope := sc.interpolationScope()
	system, err := h.text(ctx, cfg.SystemPrompt, scope)
	if err != nil {
		return StepOutcome{}, err
	}
	prompt, err := h.text(ctx, cfg.Prompt, scope)
	if err != nil {
		return StepOutcome{}, err
	}
	if prompt == "" {
		// Without an explicit prompt the model sees the previous output.
		b, _ := json.Marshal(sc.run.data)
		prompt = string(b)
	}

	structured := cfg.OutputFormat == schema.OutputFormatJSON
	req := llm.CompletionRequest{
		Model:        cfg.Model,
		SystemPrompt: system,
		Prompt:       prompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}
	if structured {
		req.OutputSchema = cfg.OutputSchema
	}

	resp, err := h.provider.Complete(ctx, req)
	if err != nil {
		return StepOutcome{}, err
	}

	out := map[string]any{
		"name":         cfg.Name,
		"model":        resp.Model,
		"finishReason": resp.FinishReason,
		"usage": map[string]any{
			"promptTokens":     resp.Usage.PromptTokens,
			"completionTokens": resp.Usage.CompletionTokens,
			"totalTokens":      resp.Usage.TotalTokens,
		},
	}
	if !structured {
		out["result"] = resp.Content
		return StepOutcome{Output: out, Port: schema.PortSuccess}, nil
	}

	result, err := h.decode(resp.Content, cfg.OutputSchema)
	if err != nil {
		return StepOutcome{}, err
	}
	out["result"] = result
	return StepOutcome{Output: out, Port: schema.PortSuccess}, nil
}

func (h *llmHandler) text(ctx context.Context, s string, scope expressions.Scope) (string, error) {
	if s == "" {
		return "", nil
	}
	v, err := h.interpolator.Resolve(ctx, s, scope)
	if err != nil {
		return "", err
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), nil
	}
	return string(b), nil
}

// decode parses a structured answer and checks it against the output
// schema. Both failures are LLM errors so a retry policy can re-ask.
func (h *llmHandler) decode(content string, outputSchema json.RawMessage) (any, error) {
	content = stripCodeFence(content)
	var result any
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, schema.NewError(schema.ErrCodeLLM, "model returned invalid JSON").
			WithCause(err).WithDetails(map[string]any{"content": content})
	}
	if len(outputSchema) == 0 {
		return result, nil
	}
	sch, err := h.compile(outputSchema)
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeLLM, "model output does not match outputSchema: %s", err).
			WithDetails(map[string]any{"output": result})
	}
	return result, nil
}

func (h *llmHandler) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	h.mu.Lock()
	defer h.mu.Unlock()
	if sch, ok := h.schemas[key]; ok {
		return sch, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "outputSchema is not valid JSON").WithCause(err)
	}
	url := fmt.Sprintf("stepflow://llm/output/%d", len(h.schemas))
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "invalid outputSchema").WithCause(err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "invalid outputSchema").WithCause(err)
	}
	if h.schemas == nil {
		h.schemas = map[string]*jsonschema.Schema{}
	}
	h.schemas[key] = sch
	return sch, nil
}

// stripCodeFence removes a ```json ... ``` wrapper some models add.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "```"))
}
