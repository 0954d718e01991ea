package server

import (
	"net/http"

	"FundLedger/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter serves the REST gateway under /v1 behind auth, plus health and
// metrics endpoints that never require a token.
func NewRouter(gw http.Handler, auth *Authenticator, health *observability.HealthChecker, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if health != nil {
		r.Get("/healthz", health.LivenessHandler)
		r.Get("/readyz", health.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Handle("/v1/*", auth.Middleware(gw))
	return r
}
