package http

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tracetab/tracetab/internal/observability"
)

// RouterConfig holds the dependencies of the API routes.
type RouterConfig struct {
	Engine        TableEngine
	Stats         *observability.LoadStats
	Logger        *zap.Logger
	MaxResultRows int
	TopN          int
}

// Router serves the HTTP API.
type Router struct {
	mux   *http.ServeMux
	query *QueryHandler
}

// NewRouter registers every route on a new mux wrapped in the default
// middleware chain.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 20
	}

	chain := DefaultMiddleware(cfg.Logger)
	rt := &Router{
		mux:   http.NewServeMux(),
		query: NewQueryHandler(cfg.Engine, cfg.MaxResultRows),
	}

	rt.mux.Handle("/v1/load", chain(NewLoadHandler(cfg.Engine, cfg.Stats, cfg.Logger)))
	rt.mux.Handle("/v1/data", chain(NewDataHandler(cfg.Engine)))
	rt.mux.Handle("/v1/stats", chain(NewStatsHandler(cfg.Engine, cfg.Stats, cfg.TopN)))
	rt.mux.Handle("/v1/intervals", chain(NewIntervalsHandler(cfg.Engine)))
	rt.mux.Handle("/v1/query", chain(rt.query))
	rt.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"state":  cfg.Engine.State().String(),
		})
	})
	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// Close releases the cached SQL view.
func (rt *Router) Close() error {
	return rt.query.Close()
}
