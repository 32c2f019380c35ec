package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Fake service ---

type fakeService struct {
	published  []*schema.WorkflowDefinition
	publishRes *schema.ValidationResult
	publishErr error

	started    []map[string]any
	startAsync []string
	executions map[string]*store.Execution
	lastFilter store.ExecutionFilter
}

func newFakeService() *fakeService {
	return &fakeService{executions: make(map[string]*store.Execution)}
}

func (f *fakeService) Publish(_ context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	res := f.publishRes
	if res == nil {
		res = &schema.ValidationResult{}
	}
	if f.publishErr != nil {
		return nil, res, f.publishErr
	}
	def.ID = "def-1"
	def.Status = schema.DefinitionActive
	f.published = append(f.published, def)
	return def, res, nil
}

func (f *fakeService) Start(_ context.Context, definitionID string, payload map[string]any) (*store.Execution, error) {
	if definitionID != "def-1" {
		return nil, schema.NewError(schema.ErrCodeNotFound, "definition not found")
	}
	f.started = append(f.started, payload)
	exec := &store.Execution{
		ID:                   "exec-1",
		WorkflowDefinitionID: definitionID,
		Status:               schema.ExecutionCompleted,
		TriggerPayload:       payload,
		StartedAt:            time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	f.executions[exec.ID] = exec
	return exec, nil
}

func (f *fakeService) StartAsync(_ context.Context, definitionID string, _ map[string]any) (string, error) {
	if definitionID != "def-1" {
		return "", schema.NewError(schema.ErrCodeNotFound, "definition not found")
	}
	f.startAsync = append(f.startAsync, definitionID)
	return "exec-async", nil
}

func (f *fakeService) GetDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	for _, d := range f.published {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "definition not found")
}

func (f *fakeService) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	exec, ok := f.executions[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found")
	}
	return exec, nil
}

func (f *fakeService) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	f.lastFilter = filter
	var out []*store.Execution
	for _, e := range f.executions {
		if e.WorkflowDefinitionID == filter.WorkflowDefinitionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Helpers ---

func newTestServer(t *testing.T) (*Server, *fakeService) {
	t.Helper()
	steps, err := validation.NewStepValidator(nil)
	require.NoError(t, err)
	svc := newFakeService()
	return NewServer(ServerDeps{Service: svc, Validator: steps}), svc
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

// --- stepflow.validate_step ---

func TestHandleValidateStep_Valid(t *testing.T) {
	s, _ := newTestServer(t)
	req := buildRequest("stepflow.validate_step", map[string]any{
		"step_type": "trigger",
		"config":    map[string]any{"type": "scheduled", "cron": "*/5 * * * *"},
	})

	result, err := s.handleValidateStep(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp validateStepResponse
	unmarshalResult(t, result, &resp)
	assert.True(t, resp.Valid)
	assert.Empty(t, resp.Errors)
}

func TestHandleValidateStep_Invalid(t *testing.T) {
	s, _ := newTestServer(t)
	req := buildRequest("stepflow.validate_step", map[string]any{
		"step_type": "trigger",
		"config":    map[string]any{"type": "scheduled", "cron": "* *"},
	})

	result, err := s.handleValidateStep(context.Background(), req)
	require.NoError(t, err)

	var resp validateStepResponse
	unmarshalResult(t, result, &resp)
	assert.False(t, resp.Valid)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "cron", resp.Errors[0].Path)
}

func TestHandleValidateStep_UnknownType(t *testing.T) {
	s, _ := newTestServer(t)
	req := buildRequest("stepflow.validate_step", map[string]any{
		"step_type": "teleport",
		"config":    map[string]any{},
	})

	result, err := s.handleValidateStep(context.Background(), req)
	require.NoError(t, err)

	var resp validateStepResponse
	unmarshalResult(t, result, &resp)
	assert.False(t, resp.Valid)
	assert.Equal(t, schema.ErrCodeConfiguration, resp.Errors[0].Code)
}

func TestHandleValidateStep_MissingArgs(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleValidateStep(context.Background(), buildRequest("stepflow.validate_step", map[string]any{
		"config": map[string]any{},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleValidateStep(context.Background(), buildRequest("stepflow.validate_step", map[string]any{
		"step_type": "action",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- stepflow.publish ---

func TestHandlePublish(t *testing.T) {
	s, svc := newTestServer(t)
	req := buildRequest("stepflow.publish", map[string]any{
		"definition": map[string]any{
			"organizationId": "org-1",
			"name":           "tickets",
			"version":        "1.0.0",
			"steps": []any{
				map[string]any{"slug": "start", "type": "trigger", "config": map[string]any{"type": "manual"}},
			},
		},
	})

	result, err := s.handlePublish(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, svc.published, 1)
	def := svc.published[0]
	assert.Equal(t, "tickets", def.Name)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, schema.StepTypeTrigger, def.Steps[0].Type)
	assert.JSONEq(t, `{"type":"manual"}`, string(def.Steps[0].Config))

	var resp publishResponse
	unmarshalResult(t, result, &resp)
	require.NotNil(t, resp.Definition)
	assert.Equal(t, "def-1", resp.Definition.ID)
	assert.True(t, resp.Validation.Valid)
}

func TestHandlePublish_ValidationFailure(t *testing.T) {
	s, svc := newTestServer(t)
	res := &schema.ValidationResult{}
	res.AddError("steps", schema.ErrCodeGraphIntegrity, "workflow needs exactly one trigger")
	svc.publishRes = res
	svc.publishErr = res.ToError()

	result, err := s.handlePublish(context.Background(), buildRequest("stepflow.publish", map[string]any{
		"definition": map[string]any{"organizationId": "org-1", "name": "x", "version": "1"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var resp publishResponse
	unmarshalResult(t, result, &resp)
	assert.Nil(t, resp.Definition)
	assert.False(t, resp.Validation.Valid)
	assert.Equal(t, "steps", resp.Validation.Errors[0].Path)
}

func TestHandlePublish_MissingDefinition(t *testing.T) {
	s, _ := newTestServer(t)
	result, err := s.handlePublish(context.Background(), buildRequest("stepflow.publish", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- stepflow.run ---

func TestHandleRun_Wait(t *testing.T) {
	s, svc := newTestServer(t)
	req := buildRequest("stepflow.run", map[string]any{
		"definition_id": "def-1",
		"payload":       map[string]any{"id": "T-1"},
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, svc.started, 1)
	assert.Equal(t, "T-1", svc.started[0]["id"])

	var exec store.Execution
	unmarshalResult(t, result, &exec)
	assert.Equal(t, "exec-1", exec.ID)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
}

func TestHandleRun_NoWait(t *testing.T) {
	s, svc := newTestServer(t)
	req := buildRequest("stepflow.run", map[string]any{
		"definition_id": "def-1",
		"wait":          false,
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Empty(t, svc.started)
	assert.Equal(t, []string{"def-1"}, svc.startAsync)

	var resp map[string]any
	unmarshalResult(t, result, &resp)
	assert.Equal(t, "exec-async", resp["executionId"])
	assert.Equal(t, "running", resp["status"])
}

func TestHandleRun_Errors(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{"definition_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

// --- stepflow.status ---

func TestHandleStatus_ByExecution(t *testing.T) {
	s, svc := newTestServer(t)
	svc.executions["exec-9"] = &store.Execution{
		ID:     "exec-9",
		Status: schema.ExecutionFailed,
		Journal: []store.JournalEntry{
			{ExecutionID: "exec-9", Sequence: 1, StepSlug: "start", StepType: schema.StepTypeTrigger, Attempts: 1},
		},
	}

	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{
		"execution_id": "exec-9",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var exec store.Execution
	unmarshalResult(t, result, &exec)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	require.Len(t, exec.Journal, 1)
	assert.Equal(t, "start", exec.Journal[0].StepSlug)
}

func TestHandleStatus_ListByDefinition(t *testing.T) {
	s, svc := newTestServer(t)
	svc.executions["a"] = &store.Execution{ID: "a", WorkflowDefinitionID: "def-1", Status: schema.ExecutionCompleted}
	svc.executions["b"] = &store.Execution{ID: "b", WorkflowDefinitionID: "def-2", Status: schema.ExecutionCompleted}

	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{
		"definition_id": "def-1",
		"status":        "completed",
		"limit":         float64(5),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, 5, svc.lastFilter.Limit)
	require.NotNil(t, svc.lastFilter.Status)
	assert.Equal(t, schema.ExecutionCompleted, *svc.lastFilter.Status)

	var resp struct {
		Executions []store.Execution `json:"executions"`
		Count      int               `json:"count"`
	}
	unmarshalResult(t, result, &resp)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "a", resp.Executions[0].ID)
}

func TestHandleStatus_Errors(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{"execution_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- stepflow.diagram ---

func publishTickets(svc *fakeService) {
	_, _, _ = svc.Publish(context.Background(), &schema.WorkflowDefinition{
		Name:    "tickets",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{Slug: "start", Type: schema.StepTypeTrigger, Config: json.RawMessage(`{"type":"manual"}`),
				NextSteps: map[string]string{schema.PortSuccess: "notify"}},
			{Slug: "notify", Type: schema.StepTypeAction, Config: json.RawMessage(`{"type":"variables.set"}`)},
		},
	})
}

func TestHandleDiagram_Definition(t *testing.T) {
	s, svc := newTestServer(t)
	publishTickets(svc)

	result, err := s.handleDiagram(context.Background(), buildRequest("stepflow.diagram", map[string]any{
		"definition_id": "def-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "start -->|success| notify")
	assert.NotContains(t, text, "class start")
}

func TestHandleDiagram_Execution(t *testing.T) {
	s, svc := newTestServer(t)
	publishTickets(svc)
	svc.executions["exec-3"] = &store.Execution{
		ID:                   "exec-3",
		WorkflowDefinitionID: "def-1",
		Status:               schema.ExecutionFailed,
		Journal: []store.JournalEntry{
			{StepSlug: "start", Port: schema.PortSuccess, Attempts: 1},
			{StepSlug: "notify", ErrorCode: schema.ErrCodeExecution, Attempts: 1},
		},
	}

	result, err := s.handleDiagram(context.Background(), buildRequest("stepflow.diagram", map[string]any{
		"execution_id": "exec-3",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "class start completed")
	assert.Contains(t, text, "class notify failed")
}

func TestHandleDiagram_Errors(t *testing.T) {
	s, _ := newTestServer(t)

	for _, args := range []map[string]any{
		{},
		{"definition_id": "missing"},
		{"execution_id": "missing"},
	} {
		result, err := s.handleDiagram(context.Background(), buildRequest("stepflow.diagram", args))
		require.NoError(t, err)
		assert.True(t, result.IsError, "args %v", args)
	}
}

func TestExtractInt(t *testing.T) {
	args := map[string]any{"f": float64(3), "i": 4, "s": "5", "bad": "x"}
	assert.Equal(t, 3, extractInt(args, "f", 1))
	assert.Equal(t, 4, extractInt(args, "i", 1))
	assert.Equal(t, 5, extractInt(args, "s", 1))
	assert.Equal(t, 1, extractInt(args, "bad", 1))
	assert.Equal(t, 1, extractInt(args, "missing", 1))
	assert.Equal(t, 1, extractInt(nil, "f", 1))
}
