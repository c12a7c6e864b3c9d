package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Sepzie/SingWithMe/pkg/auth"
	"github.com/Sepzie/SingWithMe/pkg/middleware"
	"github.com/Sepzie/SingWithMe/pkg/tracing"
)

// RouterConfig selects the middleware wrapped around the API routes
type RouterConfig struct {
	CORSOrigins []string
	APIKey      string // empty disables authentication
	Tracer      *tracing.Provider
}

// NewRouter builds the complete HTTP handler of the service.
// CORS wraps the router so preflight requests are answered for every route.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	if cfg.Tracer != nil {
		r.Use(tracing.HTTPMiddleware(cfg.Tracer))
	}
	if h.deps.Metrics != nil {
		r.Use(h.deps.Metrics.Middleware)
	}
	r.Use(auth.Middleware(cfg.APIKey, isPublic))
	r.Use(middleware.Owner)

	h.RegisterRoutes(r)

	return middleware.CORS(cfg.CORSOrigins)(r)
}

// isPublic lists the routes probes and scrapers reach without a key
func isPublic(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/metrics":
		return true
	}
	return false
}
