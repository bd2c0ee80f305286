package api

import (
	"eemt-orchestrator/internal/health"
	"eemt-orchestrator/internal/observability"
	"eemt-orchestrator/internal/orchestrator"
	"eemt-orchestrator/internal/retention"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Orchestrator  *orchestrator.Orchestrator
	Cleanup       *retention.Engine
	CleanupPolicy retention.Policy
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	MaxUploadSize int64
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/kinds", auth(http.HandlerFunc(handler.ListKinds)))
	mux.Handle("POST /v1/jobs", auth(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("GET /v1/jobs/{jobId}/results", auth(http.HandlerFunc(handler.GetResults)))
	mux.Handle("GET /v1/jobs/{jobId}/logs", auth(http.HandlerFunc(handler.GetLogs)))
	mux.Handle("POST /v1/jobs/{jobId}/cancel", auth(http.HandlerFunc(handler.CancelJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.CancelJob)))
	mux.Handle("POST /v1/cleanup", auth(http.HandlerFunc(handler.RunCleanup)))

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
