package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const defaultListLimit = 20

// handleWebhook starts the active webhook workflow named in the path.
func (s *Server) handleWebhook(c echo.Context) error {
	payload, err := decodePayload(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}

	org, name := c.Param("org"), c.Param("workflow")
	id, err := s.deps.Service.TriggerWebhook(c.Request().Context(), org, name, payload)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	s.deps.Logger.Info("webhook accepted", "organization_id", org, "workflow", name, "execution_id", id)
	return c.JSON(http.StatusAccepted, map[string]any{"executionId": id, "status": schema.ExecutionRunning})
}

// handleEvent fans an event out to every active workflow listening for it.
func (s *Server) handleEvent(c echo.Context) error {
	payload, err := decodePayload(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}

	ids, err := s.deps.Service.TriggerEvent(c.Request().Context(), c.Param("org"), c.Param("type"), payload)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusAccepted, map[string]any{"executionIds": ids, "count": len(ids)})
}

func (s *Server) handleGetExecution(c echo.Context) error {
	exec, err := s.deps.Service.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

func (s *Server) handleListExecutions(c echo.Context) error {
	filter := store.ExecutionFilter{
		WorkflowDefinitionID: c.Param("id"),
		Limit:                queryInt(c, "limit", defaultListLimit),
		Offset:               queryInt(c, "offset", 0),
	}
	if st := c.QueryParam("status"); st != "" {
		status := schema.ExecutionStatus(st)
		filter.Status = &status
	}

	execs, err := s.deps.Service.ListExecutions(c.Request().Context(), filter)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": execs, "count": len(execs)})
}

// decodePayload reads an optional JSON object body.
func decodePayload(c echo.Context) (map[string]any, error) {
	var payload map[string]any
	err := json.NewDecoder(c.Request().Body).Decode(&payload)
	if errors.Is(err, io.EOF) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

// writeServiceError maps a stepflow error code to an HTTP status.
func (s *Server) writeServiceError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch schema.CodeOf(err) {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	case schema.ErrCodeInvalidTransition, schema.ErrCodeConflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.deps.Logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error(), "code": schema.CodeOf(err)})
}

func writeError(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// queryInt extracts a non-negative integer query param with a default value.
func queryInt(c echo.Context, key string, def int) int {
	v := c.QueryParam(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
