package processing

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultBackoffHours is the reprocessing window used when none is given.
const DefaultBackoffHours = 24

// DefaultClaimLease is how long an unfinished claim is held before another
// execution may take the record over.
const DefaultClaimLease = time.Hour

// ClaimParams identifies what to claim.
type ClaimParams struct {
	OrganizationID       string
	TableName            string
	WorkflowDefinitionID string
	// BackoffHours is the minimum age of a record's last processing activity
	// before it is eligible again for the same workflow.
	BackoffHours float64
	// Filter is an optional expression evaluated against the record document.
	Filter string
}

// CompletionParams identifies a processed record.
type CompletionParams struct {
	OrganizationID       string
	TableName            string
	RecordID             string
	WorkflowDefinitionID string
	RecordCreatedAt      time.Time
	Metadata             map[string]any
}

// ClaimStore is the part of store.Store the claim engine uses.
type ClaimStore interface {
	GetResumeCursor(ctx context.Context, organizationID, tableName, workflowDefinitionID string) (*time.Time, error)
	ClaimNext(ctx context.Context, q store.ClaimQuery) (*store.SourceRecord, error)
	RecordProcessed(ctx context.Context, rec *store.ProcessingRecord) error
}

// ClaimEngine finds one eligible source record per call and claims it for a
// workflow. Eligibility and the claim write are delegated to the store,
// which performs both in one transaction.
type ClaimEngine struct {
	store    ClaimStore
	selector *IndexSelector
	eval     *expressions.Evaluator
	clock    clock.Clock
	logger   *slog.Logger
	maxScan  int
	lease    time.Duration
}

// ClaimOption configures a ClaimEngine.
type ClaimOption func(*ClaimEngine)

// WithClock sets the clock used for cutoffs and claim timestamps.
func WithClock(c clock.Clock) ClaimOption {
	return func(e *ClaimEngine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClaimOption {
	return func(e *ClaimEngine) { e.logger = l }
}

// WithMaxScan bounds the candidates inspected per scan when a post-filter
// is required. 0 means no bound.
func WithMaxScan(n int) ClaimOption {
	return func(e *ClaimEngine) { e.maxScan = n }
}

// WithClaimLease sets how long a claim that was never completed blocks other
// executions. The effective lease is never shorter than the backoff window.
func WithClaimLease(d time.Duration) ClaimOption {
	return func(e *ClaimEngine) {
		if d > 0 {
			e.lease = d
		}
	}
}

// NewClaimEngine creates a ClaimEngine.
func NewClaimEngine(st ClaimStore, selector *IndexSelector, eval *expressions.Evaluator, opts ...ClaimOption) *ClaimEngine {
	e := &ClaimEngine{
		store:    st,
		selector: selector,
		eval:     eval,
		clock:    clock.New(),
		logger:   slog.Default(),
		lease:    DefaultClaimLease,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FindAndClaim returns the first eligible record, already claimed, or nil
// when there is nothing to do. Claim failures, including lost races, are
// logged and reported as nil; only invalid parameters return an error.
func (e *ClaimEngine) FindAndClaim(ctx context.Context, p ClaimParams) (*store.SourceRecord, error) {
	if p.OrganizationID == "" || p.TableName == "" || p.WorkflowDefinitionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"find unprocessed requires organization, table and workflow definition")
	}
	if p.BackoffHours < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "backoffHours must not be negative, got %v", p.BackoffHours)
	}

	log := e.logger.With(
		slog.String("table", p.TableName),
		slog.String("workflow_definition_id", p.WorkflowDefinitionID),
	)

	sel := e.selector.Select(p.TableName, p.OrganizationID, p.Filter)
	if sel.ParseErr != nil {
		// An unusable post-filter matches nothing.
		log.WarnContext(ctx, "claim filter does not compile", slog.String("filter", p.Filter), slog.Any("error", sel.ParseErr))
		return nil, nil
	}

	now := e.clock.Now()
	backoff := time.Duration(p.BackoffHours * float64(time.Hour))
	q := store.ClaimQuery{
		OrganizationID:       p.OrganizationID,
		TableName:            p.TableName,
		WorkflowDefinitionID: p.WorkflowDefinitionID,
		Cutoff:               now.Add(-backoff),
		LeaseCutoff:          now.Add(-max(backoff, e.lease)),
		Now:                  now,
		Equals:               sel.Equalities(),
	}
	if sel.RequiresPostFilter {
		prg := sel.Program
		q.Match = func(rec *store.SourceRecord) bool {
			return e.eval.Matches(prg, rec.Document())
		}
		q.MaxScan = e.maxScan
	}

	cursor, err := e.store.GetResumeCursor(ctx, p.OrganizationID, p.TableName, p.WorkflowDefinitionID)
	if err != nil {
		log.WarnContext(ctx, "resume cursor unavailable, scanning from the beginning", slog.Any("error", err))
		cursor = nil
	}
	q.After = cursor

	rec, err := e.claim(ctx, log, q)
	if rec == nil && err == nil && cursor != nil {
		// Records behind the cursor whose backoff window re-opened are only
		// reachable by a scan from the beginning.
		q.After = nil
		rec, err = e.claim(ctx, log, q)
	}
	if err != nil || rec == nil {
		return nil, nil
	}

	log.InfoContext(ctx, "record claimed",
		slog.String("record_id", rec.ID),
		slog.String("index", sel.Index.Name),
		slog.Bool("post_filter", sel.RequiresPostFilter),
	)
	return rec, nil
}

func (e *ClaimEngine) claim(ctx context.Context, log *slog.Logger, q store.ClaimQuery) (*store.SourceRecord, error) {
	rec, err := e.store.ClaimNext(ctx, q)
	if err == nil {
		return rec, nil
	}
	if schema.HasCode(err, schema.ErrCodeClaimContention) {
		log.InfoContext(ctx, "claim lost to a concurrent execution", slog.Any("error", err))
	} else {
		log.WarnContext(ctx, "claim failed", slog.Any("error", err))
	}
	return nil, err
}

// RecordProcessed marks a record completed for a workflow. It is idempotent
// and works without a prior claim. Failures are hard errors: a lost
// completion marker would let the record be processed again.
func (e *ClaimEngine) RecordProcessed(ctx context.Context, p CompletionParams) error {
	if p.TableName == "" || p.RecordID == "" || p.WorkflowDefinitionID == "" {
		return schema.NewError(schema.ErrCodeValidation,
			"mark processed requires table, record id and workflow definition")
	}
	processedAt := e.clock.Now()
	err := e.store.RecordProcessed(ctx, &store.ProcessingRecord{
		TableName:            p.TableName,
		RecordID:             p.RecordID,
		WorkflowDefinitionID: p.WorkflowDefinitionID,
		OrganizationID:       p.OrganizationID,
		Status:               schema.ProcessingCompleted,
		ProcessedAt:          &processedAt,
		RecordCreatedAt:      p.RecordCreatedAt,
		Metadata:             p.Metadata,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCompletionPersistence,
			"mark %s/%s processed: %v", p.TableName, p.RecordID, err).WithCause(err)
	}
	e.logger.DebugContext(ctx, "record processed",
		slog.String("table", p.TableName),
		slog.String("record_id", p.RecordID),
		slog.String("workflow_definition_id", p.WorkflowDefinitionID),
	)
	return nil
}
