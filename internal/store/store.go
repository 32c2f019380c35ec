package store

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions (append-only; versions are archived, never deleted)
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetActiveDefinition(ctx context.Context, organizationID, name string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	// ActivateDefinition makes id the active version of its (organization,
	// name) and archives the previously active version in the same transaction.
	ActivateDefinition(ctx context.Context, id string, at time.Time) error
	ArchiveDefinition(ctx context.Context, id string, at time.Time) error

	// Executions and their append-only journal
	CreateExecution(ctx context.Context, exec *Execution) error
	AppendJournal(ctx context.Context, entry *JournalEntry) error
	FinishExecution(ctx context.Context, id string, update ExecutionUpdate) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Processing records. Mutated only through ClaimNext and RecordProcessed.
	GetResumeCursor(ctx context.Context, organizationID, tableName, workflowDefinitionID string) (*time.Time, error)
	// ClaimNext finds the first eligible source record for the query and
	// claims it in the same transaction. It returns (nil, nil) when nothing is
	// eligible and an ErrCodeClaimContention error when the conditional claim
	// write lost a race.
	ClaimNext(ctx context.Context, q ClaimQuery) (*SourceRecord, error)
	// RecordProcessed upserts the processing record to completed.
	RecordProcessed(ctx context.Context, rec *ProcessingRecord) error
	GetProcessingRecord(ctx context.Context, tableName, recordID, workflowDefinitionID string) (*ProcessingRecord, error)

	// Source records (application-table rows as seen by the engine)
	PutSourceRecord(ctx context.Context, rec *SourceRecord) error
	GetSourceRecord(ctx context.Context, organizationID, tableName, id string) (*SourceRecord, error)

	// Trigger schedules
	UpsertSchedule(ctx context.Context, sched *TriggerSchedule) error
	GetSchedule(ctx context.Context, workflowDefinitionID string) (*TriggerSchedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*TriggerSchedule, error)
	UpdateScheduleRun(ctx context.Context, workflowDefinitionID string, update ScheduleRunUpdate) error
	DeleteSchedule(ctx context.Context, workflowDefinitionID string) error

	// Secrets (organization-scoped, encrypted by the vault before storage)
	StoreSecret(ctx context.Context, organizationID, key string, value []byte) error
	GetSecret(ctx context.Context, organizationID, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, organizationID, key string) error
	ListSecrets(ctx context.Context, organizationID string) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
