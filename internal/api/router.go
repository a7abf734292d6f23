package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerAPIRoutes registers all API endpoints on the given router
func registerAPIRoutes(r chi.Router, h *Handler) {
	// Job management
	r.Get("/jobs", h.ListJobs)
	r.Post("/jobs", h.CreateJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Post("/jobs/{id}/requeue", h.RequeueJob)

	// Learned encoder profiles
	r.Get("/profiles", h.ListProfiles)
	r.Delete("/profiles", h.DeleteProfile)
}

// NewRouter creates the HTTP router. requestsPerMinute limits /api calls
// per client IP; 0 disables the limit.
func NewRouter(h *Handler, requestsPerMinute int) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if requestsPerMinute > 0 {
			r.Use(rateLimit(requestsPerMinute, time.Minute))
		}
		registerAPIRoutes(r, h)
	})

	return r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}
