package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tracetab/tracetab/internal/analysis"
	"github.com/tracetab/tracetab/pkg/types"
)

// IntervalsResponse represents the intervals response.
type IntervalsResponse struct {
	Code      int64               `json:"code"`
	Intervals []analysis.Interval `json:"intervals"`
}

// IntervalsHandler handles GET /v1/intervals?code=N requests. format=csv
// returns the Thread,Function,Start,Finish,Duration,Depth layout.
type IntervalsHandler struct {
	engine TableEngine
}

// NewIntervalsHandler creates a new intervals handler.
func NewIntervalsHandler(e TableEngine) *IntervalsHandler {
	return &IntervalsHandler{engine: e}
}

// ServeHTTP handles the intervals HTTP request.
func (h *IntervalsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	code, err := strconv.ParseInt(r.URL.Query().Get("code"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid code: %v", err), requestID)
		return
	}

	var intervals []analysis.Interval
	err = h.engine.View(func(t types.Table) error {
		intervals = analysis.Intervals(t, code)
		return nil
	})
	if err != nil {
		writeTraceError(w, err, requestID)
		return
	}
	analysis.AssignDepth(intervals)

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		analysis.WriteCSV(w, intervals)
		return
	}

	if intervals == nil {
		intervals = []analysis.Interval{}
	}
	writeJSON(w, http.StatusOK, IntervalsResponse{Code: code, Intervals: intervals})
}
