package handler

import (
	"context"
	"net/http"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
)

// LogReader queries the access log.
type LogReader interface {
	GetAccessLogs(ctx context.Context, limit int, includeHidden bool) ([]model.AccessLogEntry, error)
}

// LogHandler serves the access log feed.
type LogHandler struct {
	logs LogReader
}

// NewLogHandler creates a new LogHandler.
func NewLogHandler(logs LogReader) *LogHandler {
	return &LogHandler{logs: logs}
}

// ListLogs returns access log entries, newest first. Hidden entries are
// included only when ?include_hidden=true is asked for by a session with
// full_access.
// GET /api/v1/logs
func (h *LogHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	includeHidden := queryBool(r, "include_hidden")
	if includeHidden {
		claims := middleware.GetClaims(r.Context())
		if claims == nil || !claims.Can(model.PermFullAccess) {
			writeError(w, http.StatusForbidden, "include_hidden requires full_access")
			return
		}
	}

	limit := clampInt(queryInt(r, "limit", service.DefaultLogLimit), 1, service.MaxLogLimit)
	entries, err := h.logs.GetAccessLogs(r.Context(), limit, includeHidden)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.NewListResponse(entries, limit))
}
