package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowService is the subset of the engine service exposed over MCP.
type WorkflowService interface {
	Publish(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, *schema.ValidationResult, error)
	Start(ctx context.Context, definitionID string, payload map[string]any) (*store.Execution, error)
	StartAsync(ctx context.Context, definitionID string, payload map[string]any) (string, error)
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
}

// StepValidator checks a single step configuration.
type StepValidator interface {
	Validate(stepType schema.StepType, config map[string]any) *schema.ValidationResult
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Service   WorkflowService
	Validator StepValidator
	Logger    *slog.Logger
}

// Server wraps an MCP server with stepflow tool handlers.
type Server struct {
	service   WorkflowService
	validator StepValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		service:   deps.Service,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs versioned workflow definitions. Use stepflow.validate_step to check a step config while authoring, stepflow.publish to activate a definition, stepflow.run to start an execution, stepflow.status to inspect executions and their journals, and stepflow.diagram to draw a definition or an execution as a Mermaid flowchart."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns a streamable HTTP transport for the server, to be
// mounted by an HTTP router.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateStepTool(), Handler: s.handleValidateStep},
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func validateStepTool() mcp.Tool {
	return mcp.NewTool("stepflow.validate_step",
		mcp.WithDescription("Validate a single step configuration without saving anything"),
		mcp.WithString("step_type", mcp.Required(),
			mcp.Enum(string(schema.StepTypeTrigger), string(schema.StepTypeCondition), string(schema.StepTypeAction),
				string(schema.StepTypeLLM), string(schema.StepTypeLoop)),
			mcp.Description("Type of the step"),
		),
		mcp.WithObject("config", mcp.Required(), mcp.Description("Step configuration object")),
	)
}

func publishTool() mcp.Tool {
	return mcp.NewTool("stepflow.publish",
		mcp.WithDescription("Validate and activate a workflow definition version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (organizationId, name, version, steps, config)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Start an execution of an active workflow definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the active workflow definition")),
		mcp.WithObject("payload", mcp.Description("Trigger payload")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution finishes (default: true)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get an execution with its journal, or list executions of a definition"),
		mcp.WithString("execution_id", mcp.Description("ID of the execution to fetch")),
		mcp.WithString("definition_id", mcp.Description("List executions of this definition")),
		mcp.WithString("status", mcp.Description("Filter listed executions by status")),
		mcp.WithNumber("limit", mcp.Description("Maximum executions to list (default: 20)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Render a workflow definition, or an execution's path through it, as a Mermaid flowchart"),
		mcp.WithString("definition_id", mcp.Description("Definition to draw")),
		mcp.WithString("execution_id", mcp.Description("Execution to draw, with each journaled step marked completed or failed")),
	)
}
