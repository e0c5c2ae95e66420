// Package transport exposes the tracker over HTTP: a chi router with
// JSON handlers, per-client rate limiting on the analysis endpoints,
// and Prometheus metrics.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/OWASP-BLT/BLT-Leaf/internal/service"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler serves the HTTP API.
type Handler struct {
	service       *service.Service
	limiter       *ratelimit.Limiter
	logger        *zap.Logger
	metrics       *Metrics
	registry      *prometheus.Registry
	webhookSecret string
}

// Config wires a Handler.
type Config struct {
	Service       *service.Service
	Limiter       *ratelimit.Limiter
	Logger        *zap.Logger
	Registry      *prometheus.Registry
	WebhookSecret string
}

// NewHandler creates the API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	return &Handler{
		service:       cfg.Service,
		limiter:       cfg.Limiter,
		logger:        cfg.Logger,
		metrics:       NewMetrics(cfg.Registry),
		registry:      cfg.Registry,
		webhookSecret: cfg.WebhookSecret,
	}
}

// Router builds the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))
	r.Use(instrument(h.metrics))

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/prs", h.handleAddPR)
		r.Get("/prs", h.handleListPRs)
		r.Get("/repos", h.handleListRepos)
		r.Post("/prs/{id}/refresh", h.handleRefreshPR)
		r.Post("/github/webhook", h.handleWebhook)
		r.Get("/rate-limit", h.handleRateLimit)

		// Analysis endpoints share the per-client limiter.
		r.Group(func(r chi.Router) {
			r.Use(h.rateLimit)
			r.Get("/prs/{id}/timeline", h.handleTimeline)
			r.Get("/prs/{id}/review-analysis", h.handleReviewAnalysis)
			r.Get("/prs/{id}/readiness", h.handleReadiness)
		})
	})

	return r
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
