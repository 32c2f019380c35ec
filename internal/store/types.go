package store

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Execution is one run of a workflow definition.
type Execution struct {
	ID                   string                 `json:"id"`
	WorkflowDefinitionID string                 `json:"workflowDefinitionId"`
	OrganizationID       string                 `json:"organizationId"`
	Status               schema.ExecutionStatus `json:"status"`
	TriggerPayload       map[string]any         `json:"triggerPayload,omitempty"`
	Variables            map[string]any         `json:"variables,omitempty"`
	Error                *schema.StepflowError  `json:"error,omitempty"`
	StartedAt            time.Time              `json:"startedAt"`
	EndedAt              *time.Time             `json:"endedAt,omitempty"`
	Journal              []JournalEntry         `json:"journal,omitempty"`
}

// JournalEntry records one step invocation. Output is already sanitized.
type JournalEntry struct {
	ExecutionID string          `json:"executionId"`
	Sequence    int             `json:"sequence"`
	StepSlug    string          `json:"stepSlug"`
	StepType    schema.StepType `json:"stepType"`
	Output      json.RawMessage `json:"output,omitempty"`
	Port        string          `json:"port,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"errorCode,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     time.Time       `json:"endedAt"`
	DurationMs  int64           `json:"durationMs"`
}

// ProcessingRecord tracks whether a source record has been handled by a
// workflow. Key: (TableName, RecordID, WorkflowDefinitionID).
type ProcessingRecord struct {
	TableName            string                  `json:"tableName"`
	RecordID             string                  `json:"recordId"`
	WorkflowDefinitionID string                  `json:"workflowDefinitionId"`
	OrganizationID       string                  `json:"organizationId"`
	Status               schema.ProcessingStatus `json:"status"`
	ClaimedAt            *time.Time              `json:"claimedAt,omitempty"`
	ProcessedAt          *time.Time              `json:"processedAt,omitempty"`
	RecordCreatedAt      time.Time               `json:"recordCreatedAt"`
	Metadata             map[string]any          `json:"metadata,omitempty"`
}

// SourceRecord is an application-table row: a document with an id and a
// creation time.
type SourceRecord struct {
	OrganizationID string         `json:"organizationId"`
	TableName      string         `json:"tableName"`
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"createdAt"`
	Fields         map[string]any `json:"fields"`
}

// Document returns the record as expressions see it: its fields plus "id"
// and "createdAt" (RFC 3339).
func (r *SourceRecord) Document() map[string]any {
	doc := make(map[string]any, len(r.Fields)+2)
	maps.Copy(doc, r.Fields)
	doc["id"] = r.ID
	doc["createdAt"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	return doc
}

// TriggerSchedule is the cron schedule of an active definition whose trigger
// is of type scheduled.
type TriggerSchedule struct {
	WorkflowDefinitionID string     `json:"workflowDefinitionId"`
	OrganizationID       string     `json:"organizationId"`
	CronExpression       string     `json:"cronExpression"`
	Timezone             string     `json:"timezone,omitempty"`
	Enabled              bool       `json:"enabled"`
	NextRunAt            *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt            *time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus        string     `json:"lastRunStatus,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// --- Queries, filters and updates ---

// FieldMatch is an index-satisfiable equality on a source record field.
// Field may be a dotted path into the record document.
type FieldMatch struct {
	Field string
	Value any // string or float64
}

// ClaimQuery describes one claim attempt.
type ClaimQuery struct {
	OrganizationID       string
	TableName            string
	WorkflowDefinitionID string

	// After restricts candidates to records created strictly after it.
	After *time.Time
	// Cutoff is now minus the backoff window. A record whose processing
	// record's last activity is at or after Cutoff is not eligible.
	Cutoff time.Time
	// LeaseCutoff bounds how long a claim is held. A claimed record whose
	// claimed_at is at or after LeaseCutoff is not eligible. Zero means Cutoff.
	LeaseCutoff time.Time
	// Now is the claim timestamp.
	Now time.Time

	Equals []FieldMatch
	// Match, when set, is evaluated per candidate; the first match is claimed.
	Match func(*SourceRecord) bool
	// MaxScan bounds the candidates inspected when Match is set. 0 = no bound.
	MaxScan int
}

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	OrganizationID string
	Name           string
	Status         *schema.DefinitionStatus
	Limit          int
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	OrganizationID       string
	WorkflowDefinitionID string
	Status               *schema.ExecutionStatus
	Limit                int
	Offset               int
}

// ExecutionUpdate is the terminal transition of an execution.
type ExecutionUpdate struct {
	Status    schema.ExecutionStatus
	EndedAt   time.Time
	Error     *schema.StepflowError
	Variables map[string]any
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	OrganizationID string
	EnabledOnly    bool
	// DueBefore selects enabled schedules with NextRunAt at or before it.
	DueBefore *time.Time
	Limit     int
}

// ScheduleRunUpdate records a scheduler firing.
type ScheduleRunUpdate struct {
	LastRunAt     time.Time
	LastRunStatus string
	NextRunAt     *time.Time
}
