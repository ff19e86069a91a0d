package api

import (
	"net/http"

	"batchengine/internal/engine"
	"batchengine/internal/health"
	"batchengine/internal/history"
	"batchengine/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Engine        *engine.Engine
	History       *history.Store
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Engine, cfg.History, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs/fill", authMiddleware(http.HandlerFunc(handler.StartFill)))
	mux.Handle("POST /v1/jobs/mix", authMiddleware(http.HandlerFunc(handler.StartMix)))
	mux.Handle("POST /v1/jobs/send", authMiddleware(http.HandlerFunc(handler.StartSend)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{category}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{category}", authMiddleware(http.HandlerFunc(handler.StopJob)))
	mux.Handle("GET /v1/history", authMiddleware(http.HandlerFunc(handler.ListHistory)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
