package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	Auth                  AuthConfig
	CreateRateLimit       int
	CreateRateLimitWindow time.Duration
}

// NewRouter mounts the verification API, the event stream, health and metrics.
func NewRouter(cfg RouterConfig, h *VerificationHandler, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chi_middleware.RequestID)
	r.Use(chi_middleware.RealIP)
	r.Use(chi_middleware.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(PrometheusMetricsMiddleware)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(OwnerAuth(cfg.Auth, logger))

		r.With(createRateLimit(cfg, logger)).Post("/verifications", h.CreateVerification)
		r.Get("/verifications/{verificationID}", h.GetVerification)
		r.Post("/verifications/{verificationID}/cancel", h.CancelVerification)
		r.Get("/events", h.Events)
	})
	return r
}

// createRateLimit limits verification creation per owner.
func createRateLimit(cfg RouterConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.CreateRateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := cfg.CreateRateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(
		cfg.CreateRateLimit,
		window,
		httprate.WithKeyFuncs(ownerKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			owner, _ := OwnerFromContext(r.Context())
			logger.WarnContext(r.Context(), "Create rate limit exceeded", "owner_id", owner, "path", r.URL.Path)
			jsonError(w, "rate limit exceeded, please try again later", http.StatusTooManyRequests)
		}),
	)
}
