package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultPoolSize is the default number of concurrent executions.
const DefaultPoolSize = 10

// ServiceConfig configures a Service.
type ServiceConfig struct {
	PoolSize int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Service is the engine's entry point: it publishes definitions and starts
// executions from manual, webhook, event and scheduled triggers.
type Service struct {
	store     store.Store
	runner    *Runner
	validator validation.Validator
	pool      *WorkerPool
	clock     clock.Clock
	logger    *slog.Logger

	// runCtx outlives the requests that start asynchronous executions.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewService creates a Service.
func NewService(st store.Store, runner *Runner, validator validation.Validator, cfg ServiceConfig) *Service {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     st,
		runner:    runner,
		validator: validator,
		pool:      NewWorkerPool(cfg.PoolSize, cfg.Logger),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// Validate checks a definition without persisting it.
func (s *Service) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return s.validator.Validate(def)
}

// Publish validates def and makes it the active version of its workflow.
// A definition without an ID is created first. The previously active
// version is archived, and the trigger schedule follows the new version.
// The validation result is returned even when publishing fails on it.
func (s *Service) Publish(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	result := s.validator.Validate(def)
	if !result.Valid() {
		return nil, result, result.ToError()
	}

	if def.ID == "" {
		if err := s.store.CreateDefinition(ctx, def); err != nil {
			return nil, result, err
		}
	}

	prev, err := s.store.GetActiveDefinition(ctx, def.OrganizationID, def.Name)
	if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, result, err
	}

	now := s.clock.Now().UTC()
	if err := s.store.ActivateDefinition(ctx, def.ID, now); err != nil {
		return nil, result, err
	}
	if prev != nil && prev.ID != def.ID {
		if err := s.store.DeleteSchedule(ctx, prev.ID); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			s.logger.WarnContext(ctx, "drop schedule of archived version", slog.String("workflow_definition_id", prev.ID), slog.String("error", err.Error()))
		}
	}
	if err := s.syncSchedule(ctx, def, now); err != nil {
		return nil, result, err
	}

	published, err := s.store.GetDefinition(ctx, def.ID)
	if err != nil {
		return nil, result, err
	}
	s.logger.InfoContext(ctx, "workflow published",
		slog.String("workflow", published.Name), slog.String("version", published.Version), slog.String("workflow_definition_id", published.ID))
	return published, result, nil
}

// syncSchedule registers the cron schedule of a scheduled trigger.
func (s *Service) syncSchedule(ctx context.Context, def *schema.WorkflowDefinition, now time.Time) error {
	cfg, err := triggerConfig(def)
	if err != nil {
		return err
	}
	if cfg.Type != schema.TriggerScheduled {
		return nil
	}
	next, err := scheduler.NextRun(cfg.Cron, cfg.Timezone, now)
	if err != nil {
		return err
	}
	return s.store.UpsertSchedule(ctx, &store.TriggerSchedule{
		WorkflowDefinitionID: def.ID,
		OrganizationID:       def.OrganizationID,
		CronExpression:       cfg.Cron,
		Timezone:             cfg.Timezone,
		Enabled:              true,
		NextRunAt:            &next,
		CreatedAt:            now,
	})
}

// Archive retires a definition version and its schedule.
func (s *Service) Archive(ctx context.Context, definitionID string) error {
	if err := s.store.ArchiveDefinition(ctx, definitionID, s.clock.Now().UTC()); err != nil {
		return err
	}
	if err := s.store.DeleteSchedule(ctx, definitionID); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		return err
	}
	return nil
}

// Start runs an active definition manually and waits for the execution to
// finish. Any trigger type may be started this way.
func (s *Service) Start(ctx context.Context, definitionID string, payload map[string]any) (*store.Execution, error) {
	def, err := s.activeDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, def, TriggerInput{Type: schema.TriggerManual, Payload: payload})
}

// StartAsync is Start without waiting. It returns the execution id, which
// becomes visible in the store once a pool slot picks the run up.
func (s *Service) StartAsync(ctx context.Context, definitionID string, payload map[string]any) (string, error) {
	def, err := s.activeDefinition(ctx, definitionID)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, def, TriggerInput{Type: schema.TriggerManual, Payload: payload})
}

// RunScheduled runs a definition for its cron schedule. It satisfies
// scheduler.WorkflowStarter.
func (s *Service) RunScheduled(ctx context.Context, definitionID string) (*store.Execution, error) {
	def, err := s.activeDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if err := requireTrigger(def, schema.TriggerScheduled); err != nil {
		return nil, err
	}
	return s.execute(ctx, def, TriggerInput{
		Type:    schema.TriggerScheduled,
		Payload: map[string]any{"scheduledAt": s.clock.Now().UTC().Format(time.RFC3339)},
	})
}

// TriggerWebhook starts the active version of the named workflow, whose
// trigger must be a webhook. It returns the execution id.
func (s *Service) TriggerWebhook(ctx context.Context, organizationID, workflowName string, payload map[string]any) (string, error) {
	def, err := s.store.GetActiveDefinition(ctx, organizationID, workflowName)
	if err != nil {
		return "", err
	}
	if err := requireTrigger(def, schema.TriggerWebhook); err != nil {
		return "", err
	}
	return s.submit(ctx, def, TriggerInput{Type: schema.TriggerWebhook, Payload: payload})
}

// TriggerEvent starts every active workflow of the organization whose
// event trigger matches eventType. It returns the started execution ids.
func (s *Service) TriggerEvent(ctx context.Context, organizationID, eventType string, payload map[string]any) ([]string, error) {
	if eventType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event type is required")
	}
	active := schema.DefinitionActive
	defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{OrganizationID: organizationID, Status: &active})
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, def := range defs {
		cfg, err := triggerConfig(def)
		if err != nil || cfg.Type != schema.TriggerEvent || cfg.EventType != eventType {
			continue
		}
		id, err := s.submit(ctx, def, TriggerInput{Type: schema.TriggerEvent, Payload: payload})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	s.logger.InfoContext(ctx, "event dispatched", slog.String("event_type", eventType), slog.Int("executions", len(ids)))
	return ids, nil
}

// GetDefinition returns a definition version in any status.
func (s *Service) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

// GetExecution returns an execution with its journal.
func (s *Service) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// ListExecutions lists executions matching filter.
func (s *Service) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// Wait blocks until every submitted execution has finished.
func (s *Service) Wait() { s.pool.Wait() }

// Metrics returns the execution pool counters.
func (s *Service) Metrics() PoolMetrics { return s.pool.Metrics() }

// Shutdown stops accepting executions and waits for running ones.
func (s *Service) Shutdown() {
	s.pool.Shutdown()
	s.cancelRun()
}

func (s *Service) execute(ctx context.Context, def *schema.WorkflowDefinition, in TriggerInput) (*store.Execution, error) {
	var exec *store.Execution
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		exec, err = s.runner.Run(ctx, def, in)
		return err
	})
	return exec, err
}

func (s *Service) submit(ctx context.Context, def *schema.WorkflowDefinition, in TriggerInput) (string, error) {
	if in.ExecutionID == "" {
		in.ExecutionID = uuid.NewString()
	}
	err := s.pool.Submit(ctx, s.runCtx, func(ctx context.Context) error {
		_, err := s.runner.Run(ctx, def, in)
		if err != nil {
			s.logger.ErrorContext(ctx, "execution could not start",
				slog.String("execution_id", in.ExecutionID), slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return in.ExecutionID, nil
}

func (s *Service) activeDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status != schema.DefinitionActive {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %s@%s is %s; only the active version can run", def.Name, def.Version, def.Status)
	}
	return def, nil
}

func triggerConfig(def *schema.WorkflowDefinition) (schema.TriggerConfig, error) {
	step, ok := def.Trigger()
	if !ok {
		return schema.TriggerConfig{}, schema.NewErrorf(schema.ErrCodeGraphIntegrity, "workflow %q has no trigger step", def.Name)
	}
	cfg, err := step.DecodeConfig()
	if err != nil {
		return schema.TriggerConfig{}, err
	}
	return cfg.(schema.TriggerConfig), nil
}

func requireTrigger(def *schema.WorkflowDefinition, want schema.TriggerType) error {
	cfg, err := triggerConfig(def)
	if err != nil {
		return err
	}
	if cfg.Type != want {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is triggered by %s, not %s", def.Name, cfg.Type, want)
	}
	return nil
}
