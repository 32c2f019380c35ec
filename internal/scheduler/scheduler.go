// Package scheduler fires workflows whose trigger is of type scheduled.
// Schedules live in the store; the scheduler polls for due ones.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultInterval is how often the store is polled for due schedules.
const DefaultInterval = 30 * time.Second

// Run statuses recorded on a schedule.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// cronParser accepts standard 5-field expressions and an optional leading
// seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextRun returns the first activation of expr strictly after from, in
// timezone (UTC when empty). The result is in UTC.
func NextRun(expr, timezone string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "parse cron expression %q", expr).WithCause(err)
	}
	loc := time.UTC
	if timezone != "" {
		if loc, err = time.LoadLocation(timezone); err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown timezone %q", timezone).WithCause(err)
		}
	}
	return sched.Next(from.In(loc)).UTC(), nil
}

// WorkflowStarter runs a scheduled definition to completion. Satisfied by
// the engine service.
type WorkflowStarter interface {
	RunScheduled(ctx context.Context, workflowDefinitionID string) (*store.Execution, error)
}

// ScheduleStore is the part of store.Store the scheduler uses.
type ScheduleStore interface {
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.TriggerSchedule, error)
	UpdateScheduleRun(ctx context.Context, workflowDefinitionID string, update store.ScheduleRunUpdate) error
}

// Scheduler polls the store for due schedules and runs them.
type Scheduler struct {
	store    ScheduleStore
	starter  WorkflowStarter
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the poll ticker and due checks.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New creates a Scheduler.
func New(st ScheduleStore, starter WorkflowStarter, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		starter:  starter,
		clock:    clock.New(),
		interval: DefaultInterval,
		logger:   slog.Default(),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the polling loop. The first poll happens immediately, so
// schedules missed while the process was down fire once on startup.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	ticker := s.clock.Ticker(s.interval)

	go s.loop(loopCtx, ticker)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker *clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled schedule that is due and returns how many fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock.Now().UTC()
	due, err := s.store.ListSchedules(ctx, store.ScheduleFilter{EnabledOnly: true, DueBefore: &now})
	if err != nil {
		s.logger.ErrorContext(ctx, "list due schedules", slog.String("error", err.Error()))
		return 0
	}

	fired := 0
	for _, sched := range due {
		if ctx.Err() != nil {
			break
		}
		if !s.tryAcquire(sched.WorkflowDefinitionID) {
			continue
		}
		s.fire(ctx, sched, now)
		s.release(sched.WorkflowDefinitionID)
		fired++
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, sched *store.TriggerSchedule, now time.Time) {
	log := s.logger.With(slog.String("workflow_definition_id", sched.WorkflowDefinitionID))
	log.InfoContext(ctx, "running scheduled workflow", slog.String("cron", sched.CronExpression))

	status := StatusCompleted
	exec, err := s.starter.RunScheduled(ctx, sched.WorkflowDefinitionID)
	switch {
	case err != nil:
		status = StatusError
		log.ErrorContext(ctx, "scheduled run could not start", slog.String("error", err.Error()))
	case exec.Status == schema.ExecutionFailed:
		status = StatusFailed
	}

	update := store.ScheduleRunUpdate{LastRunAt: now, LastRunStatus: status}
	if next, err := NextRun(sched.CronExpression, sched.Timezone, now); err == nil {
		update.NextRunAt = &next
	} else {
		log.ErrorContext(ctx, "compute next run", slog.String("error", err.Error()))
	}
	if err := s.store.UpdateScheduleRun(ctx, sched.WorkflowDefinitionID, update); err != nil {
		log.ErrorContext(ctx, "record schedule run", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop cancels the loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}
