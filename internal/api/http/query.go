package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tracetab/tracetab/internal/sqlview"
	"github.com/tracetab/tracetab/pkg/types"
)

// QueryRequest represents a query request.
type QueryRequest struct {
	SQL string `json:"sql"`
}

// QueryResponse represents the query response.
type QueryResponse struct {
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	Truncated bool            `json:"truncated,omitempty"`
	Stats     QueryStats      `json:"stats"`
	RequestID string          `json:"request_id"`
}

// QueryStats contains execution statistics.
type QueryStats struct {
	Generation      uint64 `json:"generation"`
	ViewRebuilt     bool   `json:"view_rebuilt"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// QueryHandler handles POST /v1/query requests against a SQLite view of the
// loaded table. The view is rebuilt when a new table has been loaded.
type QueryHandler struct {
	engine  TableEngine
	maxRows int

	mu   sync.Mutex
	view *sqlview.View
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(e TableEngine, maxRows int) *QueryHandler {
	return &QueryHandler{engine: e, maxRows: maxRows}
}

// ServeHTTP handles the query HTTP request.
func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	start := time.Now()

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, "sql is required", requestID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rebuilt := false
	err := h.engine.View(func(t types.Table) error {
		if h.view != nil && h.view.Generation() == t.Generation() && h.view.LoadID() == t.LoadID() {
			return nil
		}
		v, err := sqlview.Open(r.Context(), t, sqlview.WithMaxRows(h.maxRows))
		if err != nil {
			return err
		}
		h.closeView()
		h.view = v
		rebuilt = true
		return nil
	})
	if err != nil {
		h.closeView()
		writeTraceError(w, err, requestID)
		return
	}

	result, err := h.view.Query(r.Context(), req.SQL)
	if err != nil {
		writeTraceError(w, err, requestID)
		return
	}

	resp := QueryResponse{
		Columns:   result.Columns,
		Rows:      result.Rows,
		Truncated: result.Truncated,
		Stats: QueryStats{
			Generation:      h.view.Generation(),
			ViewRebuilt:     rebuilt,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		},
		RequestID: requestID,
	}

	// Ensure rows is not nil for JSON serialization
	if resp.Rows == nil {
		resp.Rows = [][]interface{}{}
	}
	if resp.Columns == nil {
		resp.Columns = []string{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Close releases the cached view.
func (h *QueryHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeView()
	return nil
}

func (h *QueryHandler) closeView() {
	if h.view != nil {
		h.view.Close()
		h.view = nil
	}
}
