package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/tracetab/tracetab/internal/engine"
	"github.com/tracetab/tracetab/internal/observability"
	"github.com/tracetab/tracetab/pkg/types"
)

// TableEngine is the engine surface the handlers use.
type TableEngine interface {
	Load(ctx context.Context, path string) (*engine.LoadResult, error)
	Data() (types.Table, error)
	View(fn func(types.Table) error) error
	State() engine.State
	Release()
}

// LoadRequest represents a load request.
type LoadRequest struct {
	Path string `json:"path"`
}

// LoadResponse represents the load response.
type LoadResponse struct {
	LoadID     string `json:"load_id"`
	Path       string `json:"path"`
	Rows       int    `json:"rows"`
	Width      int    `json:"width"`
	Stop       string `json:"stop"`
	DurationMs int64  `json:"duration_ms"`
	Warning    string `json:"warning,omitempty"`
	RequestID  string `json:"request_id"`
}

// LoadHandler handles POST /v1/load requests.
type LoadHandler struct {
	engine TableEngine
	stats  *observability.LoadStats
	logger *zap.Logger
}

// NewLoadHandler creates a new load handler. stats may be nil.
func NewLoadHandler(e TableEngine, stats *observability.LoadStats, logger *zap.Logger) *LoadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoadHandler{engine: e, stats: stats, logger: logger}
}

// ServeHTTP handles the load HTTP request.
func (h *LoadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required", requestID)
		return
	}

	res, err := h.engine.Load(r.Context(), req.Path)
	if h.stats != nil {
		h.stats.Record(req.Path, res, err)
	}
	if err != nil {
		h.logger.Warn("load failed", zap.String("path", req.Path), zap.String("request_id", requestID), zap.Error(err))
		writeTraceError(w, err, requestID)
		return
	}

	resp := LoadResponse{
		LoadID:     res.LoadID,
		Path:       res.Path,
		Rows:       res.Rows,
		Width:      res.Width,
		Stop:       res.Stop.String(),
		DurationMs: res.Duration.Milliseconds(),
		RequestID:  requestID,
	}
	if res.Warning != nil {
		resp.Warning = res.Warning.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
