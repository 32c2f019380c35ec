package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/llm"
	"github.com/rendis/stepflow/internal/sanitize"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- fakes ---

type memExecStore struct {
	mu       sync.Mutex
	execs    map[string]*store.Execution
	journal  map[string][]store.JournalEntry
	finished map[string]store.ExecutionUpdate
}

func newMemExecStore() *memExecStore {
	return &memExecStore{
		execs:    map[string]*store.Execution{},
		journal:  map[string][]store.JournalEntry{},
		finished: map[string]store.ExecutionUpdate{},
	}
}

func (m *memExecStore) CreateExecution(_ context.Context, exec *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.execs[exec.ID] = &cp
	return nil
}

func (m *memExecStore) AppendJournal(_ context.Context, entry *store.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.finished[entry.ExecutionID]; ok {
		return schema.NewError(schema.ErrCodeInvalidTransition, "execution already finished")
	}
	m.journal[entry.ExecutionID] = append(m.journal[entry.ExecutionID], *entry)
	return nil
}

func (m *memExecStore) FinishExecution(_ context.Context, id string, u store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[id] = u
	return nil
}

func (m *memExecStore) update(id string) (store.ExecutionUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.finished[id]
	return u, ok
}

type funcAction struct {
	name string
	fn   func(ctx context.Context, in actions.ActionInput) (*actions.ActionOutput, error)
}

func (a *funcAction) Name() string                  { return a.name }
func (a *funcAction) Schema() actions.ActionSchema  { return actions.ActionSchema{} }
func (a *funcAction) Validate(map[string]any) error { return nil }
func (a *funcAction) Execute(ctx context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
	return a.fn(ctx, in)
}

func echoAction(name string) *funcAction {
	return &funcAction{name: name, fn: func(_ context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
		return &actions.ActionOutput{Data: in.Params}, nil
	}}
}

type staticVault map[string]string

func (v staticVault) Resolve(_ context.Context, _, key string) ([]byte, error) {
	s, ok := v[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(s), nil
}
func (staticVault) Store(context.Context, string, string, []byte) error { return nil }
func (staticVault) Delete(context.Context, string, string) error        { return nil }
func (staticVault) List(context.Context, string) ([]string, error)      { return nil, nil }

// --- helpers ---

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestRunner(t *testing.T, configure func(*RunnerConfig), acts ...actions.Action) (*Runner, *memExecStore) {
	t.Helper()
	reg := actions.NewRegistry()
	for _, a := range acts {
		require.NoError(t, reg.Register(a))
	}
	st := newMemExecStore()
	cfg := RunnerConfig{
		Store:     st,
		Actions:   reg,
		Evaluator: expressions.NewEvaluator(),
		Logger:    discardLogger(),
	}
	if configure != nil {
		configure(&cfg)
	}
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	return r, st
}

func step(slug string, typ schema.StepType, config string, next map[string]string) schema.StepDefinition {
	return schema.StepDefinition{Slug: slug, Type: typ, Config: json.RawMessage(config), NextSteps: next}
}

func workflow(steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Name:           "test",
		Version:        "1.0.0",
		Status:         schema.DefinitionActive,
		Steps:          steps,
	}
}

func manualTrigger(next string) schema.StepDefinition {
	return step("start", schema.StepTypeTrigger, `{"type":"manual"}`, map[string]string{schema.PortSuccess: next})
}

func run(t *testing.T, r *Runner, def *schema.WorkflowDefinition, payload map[string]any) *store.Execution {
	t.Helper()
	exec, err := r.Run(context.Background(), def, TriggerInput{Type: schema.TriggerManual, Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, exec)
	return exec
}

func slugs(exec *store.Execution) []string {
	out := make([]string, len(exec.Journal))
	for i, e := range exec.Journal {
		out[i] = e.StepSlug
	}
	return out
}

func ports(exec *store.Execution) []string {
	out := make([]string, len(exec.Journal))
	for i, e := range exec.Journal {
		out[i] = e.Port
	}
	return out
}

func statusWorkflow() *schema.WorkflowDefinition {
	return workflow(
		manualTrigger("check"),
		step("check", schema.StepTypeCondition, `{"expression":"status == \"open\""}`,
			map[string]string{schema.PortTrue: "notify", schema.PortFalse: ""}),
		step("notify", schema.StepTypeAction, `{"type":"test.echo","params":{"ticket":"${{ trigger.id }}"}}`, nil),
	)
}

// --- tests ---

func TestNewRunner_RequiresCollaborators(t *testing.T) {
	_, err := NewRunner(RunnerConfig{})
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestRun_ConditionTrueBranch(t *testing.T) {
	r, st := newTestRunner(t, nil, echoAction("test.echo"))

	exec := run(t, r, statusWorkflow(), map[string]any{"status": "open", "id": "T-1"})

	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Nil(t, exec.Error)
	assert.Equal(t, []string{"start", "check", "notify"}, slugs(exec))
	assert.Equal(t, []string{"success", "true", "success"}, ports(exec))
	for i, e := range exec.Journal {
		assert.Equal(t, i+1, e.Sequence)
		assert.Equal(t, 1, e.Attempts)
	}
	assert.JSONEq(t, `{"ticket":"T-1"}`, string(exec.Journal[2].Output))

	stored := st.journal[exec.ID]
	assert.Len(t, stored, 3)
	u, ok := st.update(exec.ID)
	require.True(t, ok)
	assert.Equal(t, schema.ExecutionCompleted, u.Status)
}

func TestRun_ConditionFalseBranchIsTerminal(t *testing.T) {
	r, _ := newTestRunner(t, nil, echoAction("test.echo"))

	exec := run(t, r, statusWorkflow(), map[string]any{"status": "closed"})

	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{"start", "check"}, slugs(exec))
	assert.JSONEq(t, `{"expression":"status == \"open\"","result":false}`, string(exec.Journal[1].Output))
}

func TestRun_RuleCondition(t *testing.T) {
	r, _ := newTestRunner(t, nil, echoAction("test.echo"))
	def := workflow(
		manualTrigger("check"),
		step("check", schema.StepTypeCondition, `{"rule":{"field":"trigger.amount","operator":"gt","value":100}}`,
			map[string]string{schema.PortTrue: "notify", schema.PortFalse: ""}),
		step("notify", schema.StepTypeAction, `{"type":"test.echo"}`, nil),
	)

	exec := run(t, r, def, map[string]any{"amount": 150})
	assert.Equal(t, []string{"start", "check", "notify"}, slugs(exec))
}

func TestRun_MissingPortFailsGraphIntegrity(t *testing.T) {
	r, _ := newTestRunner(t, nil, echoAction("test.echo"))
	def := workflow(
		manualTrigger("check"),
		step("check", schema.StepTypeCondition, `{"expression":"status == \"open\""}`,
			map[string]string{schema.PortTrue: "notify"}),
		step("notify", schema.StepTypeAction, `{"type":"test.echo"}`, nil),
	)

	exec := run(t, r, def, map[string]any{"status": "closed"})

	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeGraphIntegrity, exec.Error.Code)
	assert.Equal(t, "check", exec.Error.StepSlug)
	assert.Equal(t, []string{"start", "check"}, slugs(exec))
}

func TestRun_UnknownTargetFailsGraphIntegrity(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	exec := run(t, r, workflow(manualTrigger("ghost")), nil)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeGraphIntegrity, exec.Error.Code)
}

func TestRun_NoTrigger(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	_, err := r.Run(context.Background(), workflow(step("a", schema.StepTypeAction, `{"type":"x"}`, nil)), TriggerInput{})
	assert.Equal(t, schema.ErrCodeGraphIntegrity, schema.CodeOf(err))
}

func TestRun_UnregisteredAction(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	exec := run(t, r, workflow(manualTrigger("a"), step("a", schema.StepTypeAction, `{"type":"nope"}`, nil)), nil)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeActionUnavailable, exec.Error.Code)
	assert.Equal(t, "a", exec.Error.StepSlug)
	assert.Equal(t, schema.ErrCodeActionUnavailable, exec.Journal[1].ErrorCode)
}

func TestRun_LoopIteratesItems(t *testing.T) {
	var seen []any
	collect := &funcAction{name: "test.collect", fn: func(_ context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
		vars := in.Context.Scope["vars"].(map[string]any)
		seen = append(seen, vars["ticket"])
		return &actions.ActionOutput{Data: map[string]any{"ok": true}}, nil
	}}
	r, _ := newTestRunner(t, nil, collect)
	def := workflow(
		manualTrigger("each"),
		step("each", schema.StepTypeLoop, `{"items":"trigger.tickets","itemVariable":"ticket"}`,
			map[string]string{schema.PortLoop: "collect", schema.PortDone: ""}),
		step("collect", schema.StepTypeAction, `{"type":"test.collect"}`, map[string]string{schema.PortSuccess: "each"}),
	)

	exec := run(t, r, def, map[string]any{"tickets": []any{"a", "b", "c"}})

	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, []any{"a", "b", "c"}, seen)
	assert.Len(t, exec.Journal, 8)
	last := exec.Journal[len(exec.Journal)-1]
	assert.Equal(t, "each", last.StepSlug)
	assert.Equal(t, schema.PortDone, last.Port)
	assert.JSONEq(t, `{"iterations":3,"total":3}`, string(last.Output))
	assert.NotContains(t, exec.Variables, "ticket")
}

func TestRun_LoopEmptyItemsGoesDone(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	def := workflow(
		manualTrigger("each"),
		step("each", schema.StepTypeLoop, `{"items":[]}`, map[string]string{schema.PortLoop: "each", schema.PortDone: ""}),
	)
	exec := run(t, r, def, nil)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{"success", "done"}, ports(exec))
}

func TestRun_LoopMaxIterations(t *testing.T) {
	r, _ := newTestRunner(t, nil, echoAction("test.echo"))
	def := workflow(
		manualTrigger("each"),
		step("each", schema.StepTypeLoop, `{"items":"trigger.tickets","maxIterations":2}`,
			map[string]string{schema.PortLoop: "body", schema.PortDone: ""}),
		step("body", schema.StepTypeAction, `{"type":"test.echo"}`, map[string]string{schema.PortSuccess: "each"}),
	)

	exec := run(t, r, def, map[string]any{"tickets": []any{1, 2, 3}})

	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeMaxIterations, exec.Error.Code)
	assert.Equal(t, "each", exec.Error.StepSlug)
}

func TestRun_LoopWithoutLoopTargetFailsGraphIntegrity(t *testing.T) {
	for name, next := range map[string]map[string]string{
		"empty target": {schema.PortLoop: "", schema.PortDone: "after"},
		"no nextSteps": nil,
	} {
		t.Run(name, func(t *testing.T) {
			r, _ := newTestRunner(t, nil, echoAction("test.echo"))
			def := workflow(
				manualTrigger("each"),
				step("each", schema.StepTypeLoop, `{"items":[1,2,3]}`, next),
				step("after", schema.StepTypeAction, `{"type":"test.echo"}`, nil),
			)

			exec := run(t, r, def, nil)

			assert.Equal(t, schema.ExecutionFailed, exec.Status)
			require.NotNil(t, exec.Error)
			assert.Equal(t, schema.ErrCodeGraphIntegrity, exec.Error.Code)
			assert.Equal(t, "each", exec.Error.StepSlug)
			assert.Equal(t, []string{"start", "each"}, slugs(exec))
		})
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	flaky := &funcAction{name: "test.flaky", fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("upstream 503")
		}
		return &actions.ActionOutput{Data: "ok"}, nil
	}}
	r, _ := newTestRunner(t, nil, flaky)
	def := workflow(manualTrigger("a"), step("a", schema.StepTypeAction, `{"type":"test.flaky"}`, nil))
	def.Steps[1].Retry = &schema.RetryPolicy{Max: 3, Backoff: BackoffNone}

	exec := run(t, r, def, nil)

	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, exec.Journal[1].Attempts)
}

func TestRun_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	down := &funcAction{name: "test.down", fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		calls.Add(1)
		return nil, errors.New("upstream 503")
	}}
	r, _ := newTestRunner(t, nil, down)
	def := workflow(manualTrigger("a"), step("a", schema.StepTypeAction, `{"type":"test.down"}`, nil))
	def.Config.Retry = &schema.RetryPolicy{Max: 2, Backoff: BackoffConstant, Delay: "1ms"}

	exec := run(t, r, def, nil)

	assert.Equal(t, int32(3), calls.Load())
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeRetryExhausted, exec.Error.Code)
	assert.Equal(t, schema.ErrCodeExecution, exec.Error.Details["lastCode"])
	entry := exec.Journal[1]
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, schema.ErrCodeRetryExhausted, entry.ErrorCode)
}

func TestRun_PermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	bad := &funcAction{name: "test.bad", fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeValidation, "missing field")
	}}
	r, _ := newTestRunner(t, nil, bad)
	def := workflow(manualTrigger("a"), step("a", schema.StepTypeAction, `{"type":"test.bad"}`, nil))
	def.Steps[1].Retry = &schema.RetryPolicy{Max: 5}

	exec := run(t, r, def, nil)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, schema.ErrCodeValidation, exec.Error.Code)
}

func TestRun_ErrorPortRoutesFailure(t *testing.T) {
	bad := &funcAction{name: "test.bad", fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "missing field")
	}}
	var handled any
	handler := &funcAction{name: "test.handle", fn: func(_ context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
		handled = in.Params["code"]
		return nil, nil
	}}
	r, _ := newTestRunner(t, nil, bad, handler)
	def := workflow(
		manualTrigger("a"),
		step("a", schema.StepTypeAction, `{"type":"test.bad"}`, map[string]string{schema.PortSuccess: "", schema.PortError: "recover"}),
		step("recover", schema.StepTypeAction, `{"type":"test.handle","params":{"code":"${{ steps.a.error.code }}"}}`, nil),
	)

	exec := run(t, r, def, nil)

	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{"start", "a", "recover"}, slugs(exec))
	assert.Equal(t, schema.PortError, exec.Journal[1].Port)
	assert.Equal(t, schema.ErrCodeValidation, exec.Journal[1].ErrorCode)
	assert.Equal(t, schema.ErrCodeValidation, handled)
}

func TestRun_PanicBecomesExecutionError(t *testing.T) {
	boom := &funcAction{name: "test.boom", fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		panic("nil map write")
	}}
	r, _ := newTestRunner(t, nil, boom)

	exec := run(t, r, workflow(manualTrigger("a"), step("a", schema.StepTypeAction, `{"type":"test.boom"}`, nil)), nil)

	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeExecution, exec.Error.Code)
	assert.Contains(t, exec.Error.Message, "nil map write")
	assert.NotEmpty(t, exec.Error.Details["stack"])
}

func TestRun_MaxStepsBoundsCycles(t *testing.T) {
	r, _ := newTestRunner(t, nil, echoAction("test.echo"))
	def := workflow(
		manualTrigger("spin"),
		step("spin", schema.StepTypeAction, `{"type":"test.echo"}`, map[string]string{schema.PortSuccess: "spin"}),
	)
	def.Config.MaxSteps = 5

	exec := run(t, r, def, nil)

	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeMaxStepsExceeded, exec.Error.Code)
	assert.Len(t, exec.Journal, 5)
}

func waitForCancel(name string) *funcAction {
	return &funcAction{name: name, fn: func(ctx context.Context, _ actions.ActionInput) (*actions.ActionOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func TestRun_WorkflowTimeout(t *testing.T) {
	r, st := newTestRunner(t, nil, waitForCancel("test.slow"))
	def := workflow(manualTrigger("slow"), step("slow", schema.StepTypeAction, `{"type":"test.slow"}`, nil))
	def.Config.Timeout = "50ms"

	exec := run(t, r, def, nil)

	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeTimeout, exec.Error.Code)
	assert.Contains(t, exec.Error.Message, "workflow timed out")
	assert.Equal(t, "slow", exec.Error.StepSlug)
	u, ok := st.update(exec.ID)
	require.True(t, ok, "a timed-out run is still persisted")
	assert.Equal(t, schema.ExecutionFailed, u.Status)
}

func TestRun_StepTimeout(t *testing.T) {
	r, _ := newTestRunner(t, nil, waitForCancel("test.slow"))
	def := workflow(manualTrigger("slow"), step("slow", schema.StepTypeAction, `{"type":"test.slow"}`, nil))
	def.Steps[1].Timeout = "20ms"

	exec := run(t, r, def, nil)

	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeTimeout, exec.Error.Code)
	assert.Contains(t, exec.Error.Message, `step "slow" timed out`)
}

func TestRun_InvalidWorkflowTimeout(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	def := workflow(manualTrigger(""))
	def.Config.Timeout = "forever"
	_, err := r.Run(context.Background(), def, TriggerInput{})
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestRun_CancelledContext(t *testing.T) {
	r, _ := newTestRunner(t, nil, waitForCancel("test.slow"))
	def := workflow(manualTrigger("slow"), step("slow", schema.StepTypeAction, `{"type":"test.slow"}`, nil))

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	exec, err := r.Run(ctx, def, TriggerInput{Type: schema.TriggerManual})

	require.NoError(t, err)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeCancelled, exec.Error.Code)
}

func TestRun_SecretsAreRedacted(t *testing.T) {
	var received any
	call := &funcAction{name: "test.call", fn: func(_ context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
		received = in.Params["auth"]
		return &actions.ActionOutput{Data: map[string]any{"echo": in.Params["auth"]}}, nil
	}}
	r, _ := newTestRunner(t, func(c *RunnerConfig) { c.Vault = staticVault{"api_key": "s3cr3t"} }, call)
	def := workflow(
		manualTrigger("a"),
		step("a", schema.StepTypeAction, `{"type":"test.call","params":{"auth":"Bearer ${{ secrets.api_key }}"}}`, nil),
	)
	def.Config.Secrets = []string{"api_key"}

	exec := run(t, r, def, nil)

	require.Nil(t, exec.Error)
	assert.Equal(t, "Bearer s3cr3t", received)
	assert.NotContains(t, string(exec.Journal[1].Output), "s3cr3t")
	assert.JSONEq(t, `{"echo":"Bearer [REDACTED]"}`, string(exec.Journal[1].Output))
}

func TestRun_MissingSecretFailsVault(t *testing.T) {
	r, _ := newTestRunner(t, func(c *RunnerConfig) { c.Vault = staticVault{} })
	def := workflow(manualTrigger(""))
	def.Config.Secrets = []string{"absent"}

	exec := run(t, r, def, nil)

	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeVault, exec.Error.Code)
	assert.Empty(t, exec.Journal)
}

func TestRun_OutputsAreDepthLimited(t *testing.T) {
	deep := &funcAction{name: "test.deep", fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		return &actions.ActionOutput{Data: map[string]any{"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": map[string]any{"e": 1}}}}}}, nil
	}}
	r, _ := newTestRunner(t, func(c *RunnerConfig) { c.MaxOutputDepth = 2 }, deep)

	exec := run(t, r, workflow(manualTrigger("a"), step("a", schema.StepTypeAction, `{"type":"test.deep"}`, nil)), nil)

	require.Nil(t, exec.Error)
	assert.Contains(t, string(exec.Journal[1].Output), sanitize.KeyTruncated)
}

func TestRun_ActionsSetVariables(t *testing.T) {
	set := &funcAction{name: "test.set", fn: func(_ context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
		in.Context.Variables.SetVariable("seen", true)
		return nil, nil
	}}
	r, _ := newTestRunner(t, nil, set)
	def := workflow(manualTrigger("a"), step("a", schema.StepTypeAction, `{"type":"test.set"}`, nil))
	def.Config.Variables = map[string]any{"threshold": 100.0}

	exec := run(t, r, def, nil)

	assert.Equal(t, map[string]any{"threshold": 100.0, "seen": true}, exec.Variables)
	assert.Equal(t, map[string]any{"threshold": 100.0}, def.Config.Variables, "definition is not mutated")
}

const scoreSchema = `{"type":"object","required":["score"],"properties":{"score":{"type":"number"}}}`

func llmWorkflow() *schema.WorkflowDefinition {
	return workflow(
		manualTrigger("rate"),
		step("rate", schema.StepTypeLLM, `{"name":"rater","systemPrompt":"You rate text.","prompt":"Rate ${{ trigger.text }}","outputFormat":"json","outputSchema":`+scoreSchema+`}`, nil),
	)
}

func TestRun_LLMStructuredOutput(t *testing.T) {
	var got llm.CompletionRequest
	provider := llm.ProviderFunc(func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		got = req
		return &llm.CompletionResponse{Content: "```json\n{\"score\": 0.9}\n```", Model: "gpt-test", FinishReason: "stop"}, nil
	})
	r, _ := newTestRunner(t, func(c *RunnerConfig) { c.LLM = provider })

	exec := run(t, r, llmWorkflow(), map[string]any{"text": "hello"})

	require.Nil(t, exec.Error)
	assert.Equal(t, "Rate hello", got.Prompt)
	assert.Equal(t, "You rate text.", got.SystemPrompt)
	assert.JSONEq(t, scoreSchema, string(got.OutputSchema))

	var out map[string]any
	require.NoError(t, json.Unmarshal(exec.Journal[1].Output, &out))
	assert.Equal(t, map[string]any{"score": 0.9}, out["result"])
	assert.Equal(t, "gpt-test", out["model"])
}

func TestRun_LLMSchemaMismatch(t *testing.T) {
	provider := llm.ProviderFunc(func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: `{"grade":"A"}`}, nil
	})
	r, _ := newTestRunner(t, func(c *RunnerConfig) { c.LLM = provider })

	exec := run(t, r, llmWorkflow(), map[string]any{"text": "hello"})

	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeLLM, exec.Error.Code)
}

func TestRun_LLMWithoutProvider(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	exec := run(t, r, llmWorkflow(), nil)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeConfiguration, exec.Error.Code)
}

func TestRun_CircuitBreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	down := &funcAction{name: "test.down", fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}}
	breakers := NewCircuitBreakers(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}, nil)
	r, _ := newTestRunner(t, func(c *RunnerConfig) { c.Breakers = breakers }, down)
	def := workflow(manualTrigger("a"), step("a", schema.StepTypeAction, `{"type":"test.down"}`, nil))
	def.Steps[1].Retry = &schema.RetryPolicy{Max: 5}

	exec := run(t, r, def, nil)

	assert.Equal(t, int32(2), calls.Load(), "the open circuit stops further attempts")
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeActionUnavailable, exec.Error.Code)
	assert.Equal(t, 3, exec.Journal[1].Attempts)
	assert.Equal(t, CircuitOpen, breakers.State("test.down"))
}

func TestRun_EmitsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	r, _ := newTestRunner(t, func(c *RunnerConfig) { c.TracerProvider = tp }, echoAction("test.echo"))

	run(t, r, statusWorkflow(), map[string]any{"status": "open"})

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"stepflow.step", "stepflow.step", "stepflow.step", "stepflow.execution"}, names)
}

func drainEvents(ch <-chan streaming.Event) []streaming.Event {
	var out []streaming.Event
	for len(ch) > 0 {
		out = append(out, <-ch)
	}
	return out
}

func TestRun_PublishesEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.Filter{OrganizationID: "org-1"})
	require.NoError(t, err)
	defer cancel()
	r, _ := newTestRunner(t, func(c *RunnerConfig) { c.Events = hub }, echoAction("test.echo"))

	exec := run(t, r, statusWorkflow(), map[string]any{"status": "open"})

	events := drainEvents(ch)
	var types []string
	for _, e := range events {
		assert.Equal(t, exec.ID, e.ExecutionID)
		assert.Equal(t, "wf-1", e.WorkflowDefinitionID)
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventStepCompleted, schema.EventStepCompleted, schema.EventStepCompleted,
		schema.EventExecutionCompleted,
	}, types)
	assert.Equal(t, "notify", events[3].StepSlug)
	assert.Equal(t, schema.PortSuccess, events[3].Payload["port"])
}

func TestRun_PublishesFailureEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.Filter{
		Types: []string{schema.EventStepFailed, schema.EventExecutionFailed},
	})
	require.NoError(t, err)
	defer cancel()
	r, _ := newTestRunner(t, func(c *RunnerConfig) { c.Events = hub })
	def := workflow(manualTrigger("a"), step("a", schema.StepTypeAction, `{"type":"test.missing"}`, nil))

	run(t, r, def, nil)

	events := drainEvents(ch)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventStepFailed, events[0].Type)
	assert.Equal(t, "a", events[0].StepSlug)
	assert.Equal(t, schema.ErrCodeActionUnavailable, events[0].Payload["code"])
	assert.Equal(t, schema.EventExecutionFailed, events[1].Type)
}
