package http

import (
	"net/http"

	"github.com/tracetab/tracetab/internal/analysis"
	"github.com/tracetab/tracetab/internal/errors"
	"github.com/tracetab/tracetab/internal/observability"
	"github.com/tracetab/tracetab/pkg/types"
)

// StatsResponse represents the stats response.
type StatsResponse struct {
	State    string                    `json:"state"`
	Summary  *analysis.Summary         `json:"summary,omitempty"`
	TopCodes []analysis.Count          `json:"top_codes,omitempty"`
	CPUs     []analysis.Count          `json:"cpus,omitempty"`
	Loads    *observability.Snapshot   `json:"loads,omitempty"`
	Paths    []observability.PathStats `json:"paths,omitempty"`
}

// StatsHandler handles GET /v1/stats requests.
type StatsHandler struct {
	engine TableEngine
	stats  *observability.LoadStats
	top    int
}

// NewStatsHandler creates a new stats handler listing at most top codes and
// paths. stats may be nil.
func NewStatsHandler(e TableEngine, stats *observability.LoadStats, top int) *StatsHandler {
	return &StatsHandler{engine: e, stats: stats, top: top}
}

// ServeHTTP handles the stats HTTP request.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	resp := StatsResponse{State: h.engine.State().String()}
	err := h.engine.View(func(t types.Table) error {
		s := analysis.Summarize(t)
		resp.Summary = &s
		resp.TopCodes = analysis.Top(analysis.CodeCounts(t), h.top)
		resp.CPUs = analysis.CPUCounts(t)
		return nil
	})
	if err != nil && errors.GetCode(err) != errors.CodeNoData {
		writeTraceError(w, err, requestID)
		return
	}

	if h.stats != nil {
		snap := h.stats.Snapshot()
		resp.Loads = &snap
		resp.Paths = h.stats.GetTopPaths(h.top)
	}
	writeJSON(w, http.StatusOK, resp)
}
