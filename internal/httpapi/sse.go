package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/stepflow/internal/streaming"
)

// handleSSE streams execution events. Query params org, execution and type
// (comma separated) narrow the stream.
func (s *Server) handleSSE(c echo.Context) error {
	if s.deps.Hub == nil {
		return writeError(c, http.StatusNotFound, "event stream disabled")
	}

	filter := streaming.Filter{
		OrganizationID: c.QueryParam("org"),
		ExecutionID:    c.QueryParam("execution"),
	}
	if types := c.QueryParam("type"); types != "" {
		filter.Types = strings.Split(types, ",")
	}

	ctx := c.Request().Context()
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "subscribe failed")
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			w.Flush()
		}
	}
}
