// Package engine executes workflow definitions: the Runner walks one
// execution's step graph and the Service publishes definitions and starts
// executions on a bounded pool.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/llm"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/sanitize"
	"github.com/rendis/stepflow/internal/secrets"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultMaxSteps bounds step invocations per execution when the
// definition does not set Config.MaxSteps.
const DefaultMaxSteps = 1000

const tracerName = "github.com/rendis/stepflow/internal/engine"

// ExecutionStore is the part of store.Store the runner writes to.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *store.Execution) error
	AppendJournal(ctx context.Context, entry *store.JournalEntry) error
	FinishExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
}

// TriggerInput describes what started an execution.
type TriggerInput struct {
	Type    schema.TriggerType
	Payload map[string]any
	// ExecutionID pre-assigns the execution id. Generated when empty.
	ExecutionID string
}

// RunnerConfig holds the runner's collaborators. Store, Actions and
// Evaluator are required.
type RunnerConfig struct {
	Store     ExecutionStore
	Actions   actions.ActionRegistry
	Evaluator *expressions.Evaluator
	// CEL enables the cel condition dialect. Optional.
	CEL *expressions.CELEngine
	// Vault resolves workflow secrets. Optional.
	Vault secrets.Vault
	// LLM serves llm steps. Optional.
	LLM llm.Provider
	// Breakers fail action steps fast while their action keeps failing.
	// Optional.
	Breakers *CircuitBreakers
	// Events receives execution and step lifecycle events. Optional.
	Events streaming.Publisher

	MaxOutputDepth int // default sanitize.DefaultMaxDepth
	MaxSteps       int // default DefaultMaxSteps

	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Runner executes one workflow run at a time per Run call. It is safe for
// concurrent use; all per-run state lives in the call.
type Runner struct {
	store    ExecutionStore
	vault    secrets.Vault
	events   streaming.Publisher
	handlers map[schema.StepType]StepHandler

	maxDepth int
	maxSteps int
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewRunner creates a Runner, filling defaults for optional fields.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil || cfg.Actions == nil || cfg.Evaluator == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "runner requires a store, an action registry and an evaluator")
	}
	if cfg.MaxOutputDepth <= 0 {
		cfg.MaxOutputDepth = sanitize.DefaultMaxDepth
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = noop.NewTracerProvider()
	}

	interp := expressions.NewInterpolator(cfg.Evaluator, cfg.Vault)
	return &Runner{
		store:  cfg.Store,
		vault:  cfg.Vault,
		events: cfg.Events,
		handlers: map[schema.StepType]StepHandler{
			schema.StepTypeTrigger:   triggerHandler{},
			schema.StepTypeCondition: &conditionHandler{eval: cfg.Evaluator, cel: cfg.CEL},
			schema.StepTypeAction:    &actionHandler{registry: cfg.Actions, interpolator: interp, breakers: cfg.Breakers},
			schema.StepTypeLLM:       &llmHandler{provider: cfg.LLM, interpolator: interp},
			schema.StepTypeLoop:      &loopHandler{eval: cfg.Evaluator, interpolator: interp},
		},
		maxDepth: cfg.MaxOutputDepth,
		maxSteps: cfg.MaxSteps,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		tracer:   cfg.TracerProvider.Tracer(tracerName),
	}, nil
}

// Run executes def from its trigger step. The returned execution is
// terminal: completed, or failed with Error set. An error is returned only
// when the execution could not be started or persisted.
func (r *Runner) Run(ctx context.Context, def *schema.WorkflowDefinition, in TriggerInput) (*store.Execution, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	trigger, ok := def.Trigger()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeGraphIntegrity, "workflow %q has no trigger step", def.Name)
	}

	timeout, err := workflowTimeout(def)
	if err != nil {
		return nil, err
	}

	id := in.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	exec := &store.Execution{
		ID:                   id,
		WorkflowDefinitionID: def.ID,
		OrganizationID:       def.OrganizationID,
		Status:               schema.ExecutionRunning,
		TriggerPayload:       in.Payload,
		Variables:            def.Config.Variables,
		StartedAt:            r.clock.Now().UTC(),
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	ctx = logging.WithOrganizationID(ctx, def.OrganizationID)
	ctx = logging.WithExecutionID(ctx, exec.ID)
	ctx, span := r.tracer.Start(ctx, "stepflow.execution", trace.WithAttributes(
		attribute.String("stepflow.execution_id", exec.ID),
		attribute.String("stepflow.workflow", def.Name),
		attribute.String("stepflow.workflow_version", def.Version),
		attribute.String("stepflow.trigger", string(in.Type)),
	))
	defer span.End()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := r.logger
	log.InfoContext(ctx, schema.EventExecutionStarted,
		slog.String("workflow", def.Name), slog.String("version", def.Version), slog.String("trigger", string(in.Type)))

	st := newRunState(exec, def)
	r.emit(ctx, st, schema.EventExecutionStarted, "", map[string]any{"trigger": string(in.Type)})
	runErr := r.resolveSecrets(runCtx, st)
	if runErr == nil {
		runErr = r.walk(runCtx, st, trigger)
	}
	runErr = contextError(runCtx, runErr, timeout)

	r.finish(ctx, st, runErr)
	if exec.Error != nil {
		span.SetStatus(codes.Error, exec.Error.Message)
		log.WarnContext(ctx, schema.EventExecutionFailed,
			slog.String("code", exec.Error.Code), slog.String("step", exec.Error.StepSlug), slog.String("error", exec.Error.Message))
		r.emit(ctx, st, schema.EventExecutionFailed, exec.Error.StepSlug, map[string]any{"code": exec.Error.Code, "message": exec.Error.Message})
	} else {
		log.InfoContext(ctx, schema.EventExecutionCompleted, slog.Int("steps", st.stepCount))
		r.emit(ctx, st, schema.EventExecutionCompleted, "", map[string]any{"steps": st.stepCount})
	}
	return exec, nil
}

func workflowTimeout(def *schema.WorkflowDefinition) (time.Duration, error) {
	if def.Config.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(def.Config.Timeout)
	if err != nil || d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid workflow timeout %q", def.Config.Timeout)
	}
	return d, nil
}

// resolveSecrets loads the workflow's declared secrets into the run.
func (r *Runner) resolveSecrets(ctx context.Context, st *runState) error {
	names := st.def.Config.Secrets
	if len(names) == 0 {
		return nil
	}
	if r.vault == nil {
		return schema.NewError(schema.ErrCodeVault, "workflow declares secrets but no vault is configured")
	}
	for _, name := range names {
		v, err := r.vault.Resolve(ctx, st.exec.OrganizationID, name)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeVault, "resolve secret %q", name).WithCause(err)
		}
		st.secrets[name] = string(v)
	}
	return nil
}

// walk follows ports from the trigger until a terminal port or a failure.
func (r *Runner) walk(ctx context.Context, st *runState, step *schema.StepDefinition) error {
	maxSteps := r.maxSteps
	if st.def.Config.MaxSteps > 0 {
		maxSteps = st.def.Config.MaxSteps
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.stepCount++
		if st.stepCount > maxSteps {
			return schema.NewErrorf(schema.ErrCodeMaxStepsExceeded,
				"execution exceeded %d step invocations", maxSteps).WithStep(step.Slug)
		}

		outcome, err := r.runStep(ctx, st, step)
		if err != nil {
			return err
		}
		next, err := nextStep(st.def, step, outcome.Port)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		step = next
	}
}

// nextStep resolves a port to the next step. A step without any nextSteps
// is terminal, as is a port mapped to "". A nil step means the execution
// is complete. The loop port is the exception: it must name a body step.
func nextStep(def *schema.WorkflowDefinition, step *schema.StepDefinition, port string) (*schema.StepDefinition, error) {
	target, ok := step.NextSteps[port]
	if port == schema.PortLoop && target == "" {
		return nil, schema.NewErrorf(schema.ErrCodeGraphIntegrity, "loop step %q has no %q target", step.Slug, port).
			WithStep(step.Slug)
	}
	if len(step.NextSteps) == 0 {
		return nil, nil
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeGraphIntegrity, "step %q has no %q port", step.Slug, port).
			WithStep(step.Slug)
	}
	if target == "" {
		return nil, nil
	}
	next, ok := def.Step(target)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeGraphIntegrity, "step %q routes %q to unknown step %q", step.Slug, port, target).
			WithStep(step.Slug)
	}
	return next, nil
}

// runStep dispatches one invocation, retrying per policy, and journals it.
// A failure is routed to the step's "error" port when it has one.
func (r *Runner) runStep(ctx context.Context, st *runState, step *schema.StepDefinition) (StepOutcome, error) {
	ctx = logging.WithStepSlug(ctx, step.Slug)
	ctx, span := r.tracer.Start(ctx, "stepflow.step", trace.WithAttributes(
		attribute.String("stepflow.step_slug", step.Slug),
		attribute.String("stepflow.step_type", string(step.Type)),
	))
	defer span.End()
	log := r.logger

	started := r.clock.Now().UTC()
	outcome, attempts, err := r.dispatch(ctx, st, step, log)
	ended := r.clock.Now().UTC()

	entry := &store.JournalEntry{
		ExecutionID: st.exec.ID,
		Sequence:    st.nextSequence(),
		StepSlug:    step.Slug,
		StepType:    step.Type,
		Attempts:    attempts,
		StartedAt:   started,
		EndedAt:     ended,
		DurationMs:  ended.Sub(started).Milliseconds(),
	}
	span.SetAttributes(attribute.Int("stepflow.attempts", attempts))

	if err != nil {
		serr := stepError(err, step.Slug)
		entry.Error = serr.Message
		entry.ErrorCode = serr.Code
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Message)
		log.WarnContext(ctx, schema.EventStepFailed,
			slog.String("code", serr.Code), slog.String("error", serr.Message), slog.Int("attempts", attempts))
		r.emit(ctx, st, schema.EventStepFailed, step.Slug, map[string]any{"code": serr.Code, "attempts": attempts})

		if _, routed := step.NextSteps[schema.PortError]; !routed || ctx.Err() != nil {
			if jerr := r.journal(ctx, st, entry); jerr != nil {
				return StepOutcome{}, jerr
			}
			return StepOutcome{}, serr
		}
		outcome = StepOutcome{
			Output: map[string]any{"error": map[string]any{"code": serr.Code, "message": serr.Message}},
			Port:   schema.PortError,
		}
	}

	clean, raw := r.clean(st, outcome.Output)
	st.record(step.Slug, clean)
	entry.Output = raw
	entry.Port = outcome.Port
	span.SetAttributes(attribute.String("stepflow.port", outcome.Port))
	if err := r.journal(ctx, st, entry); err != nil {
		return StepOutcome{}, err
	}
	if err == nil {
		log.DebugContext(ctx, schema.EventStepCompleted, slog.String("port", outcome.Port), slog.Int64("duration_ms", entry.DurationMs))
		r.emit(ctx, st, schema.EventStepCompleted, step.Slug, map[string]any{"port": outcome.Port, "attempts": attempts})
	}
	return outcome, nil
}

// dispatch runs the handler, re-attempting retryable failures of action and
// llm steps under the step's (or workflow's) retry policy.
func (r *Runner) dispatch(ctx context.Context, st *runState, step *schema.StepDefinition, log *slog.Logger) (StepOutcome, int, error) {
	handler, ok := r.handlers[step.Type]
	if !ok {
		return StepOutcome{}, 1, schema.NewErrorf(schema.ErrCodeConfiguration, "no handler for step type %q", step.Type)
	}
	cfg, err := step.DecodeConfig()
	if err != nil {
		return StepOutcome{}, 1, err
	}
	stepTimeout := parseDurationOr(step.Timeout, 0)

	sc := &StepContext{Step: step, Config: cfg, run: st}
	var outcome StepOutcome
	invoke := func(attempt int) error {
		sc.Attempt = attempt
		sc.Scope = st.scope()
		out, err := r.invoke(ctx, handler, sc, stepTimeout)
		if err == nil {
			outcome = out
		}
		return err
	}

	if !retryable(step.Type) {
		err := invoke(1)
		return outcome, 1, err
	}

	policy := effectivePolicy(step, st.def.Config)
	attempts, err := retryStep(ctx, policy, invoke, func(err error, wait time.Duration) {
		log.InfoContext(ctx, schema.EventStepRetrying, slog.String("error", err.Error()), slog.Duration("wait", wait))
		r.emit(ctx, st, schema.EventStepRetrying, step.Slug, map[string]any{"error": err.Error(), "waitMs": wait.Milliseconds()})
	})
	if err != nil && attempts > 1 && IsRetryableError(err) {
		serr := stepError(err, step.Slug)
		err = schema.NewErrorf(schema.ErrCodeRetryExhausted, "step %q failed after %d attempts: %s", step.Slug, attempts, serr.Message).
			WithStep(step.Slug).WithCause(serr).
			WithDetails(map[string]any{"lastCode": serr.Code, "attempts": attempts})
	}
	return outcome, attempts, err
}

// invoke runs one handler call under the step timeout, converting panics
// into execution errors that carry the stack.
func (r *Runner) invoke(ctx context.Context, h StepHandler, sc *StepContext, timeout time.Duration) (out StepOutcome, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			wrapped := goerrors.Wrap(p, 2)
			err = schema.NewErrorf(schema.ErrCodeExecution, "step panicked: %v", p).
				WithDetails(map[string]any{"stack": wrapped.ErrorStack()})
		}
	}()

	out, err = h.Execute(ctx, sc)
	if err != nil && timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) && !schema.HasCode(err, schema.ErrCodeTimeout) {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "step %q timed out after %s", sc.Step.Slug, timeout).WithCause(err)
	}
	return out, err
}

// clean sanitizes an output for run state and the journal, with resolved
// secret values redacted.
func (r *Runner) clean(st *runState, output any) (any, json.RawMessage) {
	raw, err := json.Marshal(sanitize.Sanitize(output, r.maxDepth))
	if err != nil {
		raw, _ = json.Marshal(map[string]any{
			sanitize.KeyTruncated:    true,
			sanitize.KeyOriginalType: fmt.Sprintf("%T", output),
		})
	}
	var normalized any
	_ = json.Unmarshal(raw, &normalized)
	normalized = st.redact(normalized)
	if len(st.secrets) > 0 {
		raw, _ = json.Marshal(normalized)
	}
	return normalized, raw
}

func (r *Runner) journal(ctx context.Context, st *runState, entry *store.JournalEntry) error {
	if err := r.store.AppendJournal(context.WithoutCancel(ctx), entry); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append journal for step %q", entry.StepSlug).
			WithStep(entry.StepSlug).WithCause(err)
	}
	st.exec.Journal = append(st.exec.Journal, *entry)
	return nil
}

// emit publishes a lifecycle event. Publishing never fails the run.
func (r *Runner) emit(ctx context.Context, st *runState, typ, slug string, payload map[string]any) {
	if r.events == nil {
		return
	}
	err := r.events.Publish(context.WithoutCancel(ctx), streaming.Event{
		ExecutionID:          st.exec.ID,
		OrganizationID:       st.exec.OrganizationID,
		WorkflowDefinitionID: st.exec.WorkflowDefinitionID,
		StepSlug:             slug,
		Type:                 typ,
		Payload:              payload,
		At:                   r.clock.Now().UTC(),
	})
	if err != nil {
		r.logger.DebugContext(ctx, "publish event", slog.String("type", typ), slog.String("error", err.Error()))
	}
}

// finish moves the execution to its terminal status. It runs detached from
// ctx cancellation so a timed-out run is still recorded.
func (r *Runner) finish(ctx context.Context, st *runState, runErr error) {
	exec := st.exec
	update := store.ExecutionUpdate{
		Status:    schema.ExecutionCompleted,
		EndedAt:   r.clock.Now().UTC(),
		Variables: r.variables(st),
	}
	if runErr != nil {
		update.Status = schema.ExecutionFailed
		update.Error = stepError(runErr, "")
	}

	if err := r.store.FinishExecution(context.WithoutCancel(ctx), exec.ID, update); err != nil {
		r.logger.ErrorContext(ctx, "persist execution end", slog.String("error", err.Error()))
	}
	exec.Status = update.Status
	exec.EndedAt = &update.EndedAt
	exec.Error = update.Error
	exec.Variables = update.Variables
}

func (r *Runner) variables(st *runState) map[string]any {
	if len(st.vars) == 0 {
		return nil
	}
	clean, _ := r.clean(st, st.vars)
	m, _ := clean.(map[string]any)
	return m
}

// contextError maps a cancelled or timed-out run to its structured error.
func contextError(ctx context.Context, err error, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if schema.CodeOf(err) == schema.ErrCodeTimeout {
			return err
		}
		slug := ""
		var se *schema.StepflowError
		if errors.As(err, &se) {
			slug = se.StepSlug
		}
		return schema.NewErrorf(schema.ErrCodeTimeout, "workflow timed out after %s", timeout).WithStep(slug).WithCause(err)
	case errors.Is(ctx.Err(), context.Canceled):
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err)
	}
	return err
}

// stepError normalizes err to a StepflowError attributed to slug when it
// carries no step yet.
func stepError(err error, slug string) *schema.StepflowError {
	var se *schema.StepflowError
	if !errors.As(err, &se) {
		se = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
	}
	if se.StepSlug == "" && slug != "" {
		cp := *se
		cp.StepSlug = slug
		return &cp
	}
	return se
}
