package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const defaultStatusLimit = 20

type validateStepResponse struct {
	Valid    bool                     `json:"valid"`
	Errors   []schema.ValidationIssue `json:"errors"`
	Warnings []schema.ValidationIssue `json:"warnings"`
}

func newValidateStepResponse(r *schema.ValidationResult) validateStepResponse {
	resp := validateStepResponse{
		Valid:    true,
		Errors:   []schema.ValidationIssue{},
		Warnings: []schema.ValidationIssue{},
	}
	if r == nil {
		return resp
	}
	resp.Valid = r.Valid()
	resp.Errors = append(resp.Errors, r.Errors...)
	resp.Warnings = append(resp.Warnings, r.Warnings...)
	return resp
}

// handleValidateStep checks one step config against the step type's rules.
func (s *Server) handleValidateStep(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepType, err := req.RequireString("step_type")
	if err != nil {
		return mcp.NewToolResultError("step_type is required"), nil
	}
	config := mcp.ParseStringMap(req, "config", nil)
	if config == nil {
		return mcp.NewToolResultError("config is required"), nil
	}

	result := s.validator.Validate(schema.StepType(stepType), config)
	return marshalResult(newValidateStepResponse(result))
}

type publishResponse struct {
	Definition *schema.WorkflowDefinition `json:"definition,omitempty"`
	Validation validateStepResponse       `json:"validation"`
}

// handlePublish validates and activates a definition.
func (s *Server) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	var def schema.WorkflowDefinition
	if err := remarshal(raw, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	published, result, err := s.service.Publish(ctx, &def)
	if err != nil {
		if result != nil && !result.Valid() {
			res, mErr := marshalResult(publishResponse{Validation: newValidateStepResponse(result)})
			if mErr == nil && res != nil {
				res.IsError = true
			}
			return res, mErr
		}
		return mcp.NewToolResultError(fmt.Sprintf("publish failed: %v", err)), nil
	}

	s.logger.Info("definition published", "id", published.ID, "name", published.Name, "version", published.Version)
	return marshalResult(publishResponse{Definition: published, Validation: newValidateStepResponse(result)})
}

// handleRun starts an execution, synchronously unless wait is false.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	if !req.GetBool("wait", true) {
		id, startErr := s.service.StartAsync(ctx, definitionID, payload)
		if startErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
		}
		return marshalResult(map[string]any{"executionId": id, "status": schema.ExecutionRunning})
	}

	exec, runErr := s.service.Start(ctx, definitionID, payload)
	if runErr != nil && exec == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	return marshalResult(exec)
}

// handleStatus fetches one execution or lists the executions of a definition.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	definitionID := req.GetString("definition_id", "")

	switch {
	case executionID != "":
		exec, err := s.service.GetExecution(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		return marshalResult(exec)

	case definitionID != "":
		filter := store.ExecutionFilter{
			WorkflowDefinitionID: definitionID,
			Limit:                extractInt(req.GetArguments(), "limit", defaultStatusLimit),
		}
		if st := req.GetString("status", ""); st != "" {
			status := schema.ExecutionStatus(st)
			filter.Status = &status
		}
		execs, err := s.service.ListExecutions(ctx, filter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list executions failed: %v", err)), nil
		}
		if execs == nil {
			execs = []*store.Execution{}
		}
		return marshalResult(map[string]any{"executions": execs, "count": len(execs)})
	}

	return mcp.NewToolResultError("one of execution_id or definition_id is required"), nil
}

// handleDiagram draws a definition, overlaid with an execution's journal
// when execution_id is given.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID := req.GetString("definition_id", "")
	executionID := req.GetString("execution_id", "")
	if definitionID == "" && executionID == "" {
		return mcp.NewToolResultError("one of definition_id or execution_id is required"), nil
	}

	var journal []store.JournalEntry
	if executionID != "" {
		exec, err := s.service.GetExecution(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
		}
		definitionID = exec.WorkflowDefinitionID
		journal = exec.Journal
	}

	def, err := s.service.GetDefinition(ctx, definitionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition lookup failed: %v", err)), nil
	}
	model, err := diagram.Build(def, journal)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Helpers ---

func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// marshalResult serializes v as JSON and returns it as a tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
