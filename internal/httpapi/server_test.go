package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

type fakeService struct {
	lastPayload map[string]any
	lastFilter  store.ExecutionFilter
}

func (f *fakeService) TriggerWebhook(_ context.Context, org, name string, payload map[string]any) (string, error) {
	f.lastPayload = payload
	switch {
	case org == "org-1" && name == "hooks":
		return "exec-1", nil
	case name == "manual":
		return "", schema.NewError(schema.ErrCodeValidation, "workflow is not webhook-triggered")
	}
	return "", schema.NewErrorf(schema.ErrCodeNotFound, "no active workflow %q", name)
}

func (f *fakeService) TriggerEvent(_ context.Context, org, eventType string, payload map[string]any) ([]string, error) {
	f.lastPayload = payload
	if eventType == "ticket.created" {
		return []string{"exec-1", "exec-2"}, nil
	}
	return nil, nil
}

func (f *fakeService) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	if id == "exec-1" {
		return &store.Execution{ID: id, WorkflowDefinitionID: "def-1", Status: schema.ExecutionCompleted}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
}

func (f *fakeService) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	f.lastFilter = filter
	if filter.WorkflowDefinitionID == "broken" {
		return nil, schema.NewError(schema.ErrCodeStore, "database is locked")
	}
	return []*store.Execution{{ID: "exec-1", WorkflowDefinitionID: filter.WorkflowDefinitionID}}, nil
}

func newTestServer(hub streaming.Hub) (*Server, *fakeService) {
	svc := &fakeService{}
	return NewServer(Deps{
		Service: svc,
		Hub:     hub,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), svc
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestWebhook(t *testing.T) {
	srv, svc := newTestServer(nil)
	h := srv.Handler()

	rec, out := do(t, h, http.MethodPost, "/hooks/org-1/hooks", `{"id":"W-1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "exec-1", out["executionId"])
	assert.Equal(t, "running", out["status"])
	assert.Equal(t, map[string]any{"id": "W-1"}, svc.lastPayload)

	rec, _ = do(t, h, http.MethodPost, "/hooks/org-1/hooks", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, map[string]any{}, svc.lastPayload, "an empty body is an empty payload")
}

func TestWebhook_Errors(t *testing.T) {
	srv, _ := newTestServer(nil)
	h := srv.Handler()

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad json", "/hooks/org-1/hooks", `{"id":`, http.StatusBadRequest, ""},
		{"unknown workflow", "/hooks/org-1/missing", `{}`, http.StatusNotFound, schema.ErrCodeNotFound},
		{"wrong trigger", "/hooks/org-1/manual", `{}`, http.StatusBadRequest, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, out["error"])
			if tt.code != "" {
				assert.Equal(t, tt.code, out["code"])
			}
		})
	}
}

func TestEvent(t *testing.T) {
	srv, _ := newTestServer(nil)
	h := srv.Handler()

	rec, out := do(t, h, http.MethodPost, "/events/org-1/ticket.created", `{"id":"E-1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(2), out["count"])
	assert.Equal(t, []any{"exec-1", "exec-2"}, out["executionIds"])

	rec, out = do(t, h, http.MethodPost, "/events/org-1/ticket.closed", `{}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []any{}, out["executionIds"])
}

func TestGetExecution(t *testing.T) {
	srv, _ := newTestServer(nil)
	h := srv.Handler()

	rec, out := do(t, h, http.MethodGet, "/executions/exec-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", out["status"])

	rec, _ = do(t, h, http.MethodGet, "/executions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutions(t *testing.T) {
	srv, svc := newTestServer(nil)
	h := srv.Handler()

	rec, out := do(t, h, http.MethodGet, "/definitions/def-1/executions?limit=5&offset=10&status=failed", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), out["count"])
	assert.Equal(t, "def-1", svc.lastFilter.WorkflowDefinitionID)
	assert.Equal(t, 5, svc.lastFilter.Limit)
	assert.Equal(t, 10, svc.lastFilter.Offset)
	require.NotNil(t, svc.lastFilter.Status)
	assert.Equal(t, schema.ExecutionFailed, *svc.lastFilter.Status)

	do(t, h, http.MethodGet, "/definitions/def-1/executions?limit=abc", "")
	assert.Equal(t, defaultListLimit, svc.lastFilter.Limit)
	assert.Nil(t, svc.lastFilter.Status)

	rec, out = do(t, h, http.MethodGet, "/definitions/broken/executions", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, schema.ErrCodeStore, out["code"])
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(nil)
	rec, out := do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestMCPMount(t *testing.T) {
	srv, _ := newTestServer(nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "not mounted without a handler")

	mounted := NewServer(Deps{
		Service: &fakeService{},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		MCP: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})
	rec = httptest.NewRecorder()
	mounted.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestSSE_Disabled(t *testing.T) {
	srv, _ := newTestServer(nil)
	rec, _ := do(t, srv.Handler(), http.MethodGet, "/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSE_StreamsFilteredEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	srv, _ := newTestServer(hub)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?execution=exec-1&type=step_completed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Headers are flushed after subscribing, so these are not lost.
	require.NoError(t, hub.Publish(ctx, streaming.Event{ExecutionID: "exec-2", Type: schema.EventStepCompleted}))
	require.NoError(t, hub.Publish(ctx, streaming.Event{ExecutionID: "exec-1", Type: schema.EventStepFailed}))
	require.NoError(t, hub.Publish(ctx, streaming.Event{ExecutionID: "exec-1", StepSlug: "notify", Type: schema.EventStepCompleted}))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: step_completed\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	var ev streaming.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, "exec-1", ev.ExecutionID)
	assert.Equal(t, "notify", ev.StepSlug)
}
