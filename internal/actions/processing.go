package actions

import (
	"context"
	"encoding/json"
	"maps"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/processing"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// RecordClaimer claims source records for a workflow and records their
// completion. Satisfied by *processing.ClaimEngine.
type RecordClaimer interface {
	FindAndClaim(ctx context.Context, p processing.ClaimParams) (*store.SourceRecord, error)
	RecordProcessed(ctx context.Context, p processing.CompletionParams) error
}

// ProcessingActions returns the record-processing actions backed by claimer.
func ProcessingActions(claimer RecordClaimer) []Action {
	return []Action{
		&findUnprocessedAction{claimer: claimer},
		&markProcessedAction{claimer: claimer},
	}
}

// --- processing.find_unprocessed ---

const findUnprocessedInputSchema = `{
  "type": "object",
  "properties": {
    "table": {"type": "string", "minLength": 1},
    "backoffHours": {"type": "number", "minimum": 0},
    "filter": {"type": "string"}
  },
  "required": ["table"]
}`

type findUnprocessedAction struct {
	claimer RecordClaimer
}

func (a *findUnprocessedAction) Name() string { return "processing.find_unprocessed" }

func (a *findUnprocessedAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Claim the next source record this workflow has not processed within the backoff window. Returns null when none is eligible.",
		InputSchema: json.RawMessage(findUnprocessedInputSchema),
	}
}

func (a *findUnprocessedAction) Validate(input map[string]any) error {
	if _, err := requireString(a.Name(), input, "table"); err != nil {
		return err
	}
	if floatParam(input, "backoffHours", 0) < 0 {
		return schema.NewError(schema.ErrCodeValidation, "processing.find_unprocessed: backoffHours must not be negative")
	}
	return nil
}

func (a *findUnprocessedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	rec, err := a.claimer.FindAndClaim(ctx, processing.ClaimParams{
		OrganizationID:       input.Context.OrganizationID,
		TableName:            stringParam(input.Params, "table", ""),
		WorkflowDefinitionID: input.Context.WorkflowDefinitionID,
		BackoffHours:         floatParam(input.Params, "backoffHours", processing.DefaultBackoffHours),
		Filter:               stringParam(input.Params, "filter", ""),
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &ActionOutput{Data: nil}, nil
	}
	return &ActionOutput{Data: rec.Document()}, nil
}

// --- processing.mark_processed ---

const markProcessedInputSchema = `{
  "type": "object",
  "properties": {
    "table": {"type": "string", "minLength": 1},
    "recordId": {"type": "string", "minLength": 1},
    "recordCreatedAt": {"type": ["string", "number"]},
    "metadata": {"type": "object"}
  },
  "required": ["table", "recordId", "recordCreatedAt"]
}`

type markProcessedAction struct {
	claimer RecordClaimer
}

func (a *markProcessedAction) Name() string { return "processing.mark_processed" }

func (a *markProcessedAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Mark a claimed source record as processed by this workflow.",
		InputSchema: json.RawMessage(markProcessedInputSchema),
	}
}

func (a *markProcessedAction) Validate(input map[string]any) error {
	for _, key := range []string{"table", "recordId"} {
		if _, err := requireString(a.Name(), input, key); err != nil {
			return err
		}
	}
	if _, ok := expressions.ToTime(input["recordCreatedAt"]); !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: recordCreatedAt is not a date", a.Name())
	}
	return nil
}

func (a *markProcessedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	createdAt, _ := expressions.ToTime(input.Params["recordCreatedAt"])

	metadata := make(map[string]any)
	maps.Copy(metadata, mapParam(input.Params, "metadata"))
	if input.Context.ExecutionID != "" {
		metadata["executionId"] = input.Context.ExecutionID
	}

	recordID := stringParam(input.Params, "recordId", "")
	err := a.claimer.RecordProcessed(ctx, processing.CompletionParams{
		OrganizationID:       input.Context.OrganizationID,
		TableName:            stringParam(input.Params, "table", ""),
		RecordID:             recordID,
		WorkflowDefinitionID: input.Context.WorkflowDefinitionID,
		RecordCreatedAt:      createdAt,
		Metadata:             metadata,
	})
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{"recordId": recordID, "processed": true}}, nil
}
