// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package ingress

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds routing and middleware settings.
type RouterConfig struct {
	// RateLimitPerMinute bounds requests per client IP. 0 disables.
	RateLimitPerMinute int
	// AuthEnabled requires a JWT bearer token on the device API.
	AuthEnabled bool
	// JWTSecret verifies device API tokens when auth is enabled.
	JWTSecret string
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
}

// NewRouter assembles the HTTP surface.
func NewRouter(cfg RouterConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(CorrelationID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Operational endpoints: no rate limit, no auth.
	r.Get("/healthz", h.HealthLive)
	r.Get("/readyz", h.HealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequestMetrics)
		if cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
		}

		// Event producers and the billing webhook are internal services,
		// protected at the network layer.
		r.Post("/events", h.IngestEvent)
		r.Post("/membership/{userID}/version", h.MembershipWebhook)
		r.Post("/recommendations/ready", h.RecommendationsReady)

		// Device-facing API.
		r.Group(func(r chi.Router) {
			if cfg.AuthEnabled {
				r.Use(JWTAuth(cfg.JWTSecret))
			}
			r.Post("/devices", h.RegisterDevice)
			r.Post("/devices/{deviceID}/heartbeat", h.Heartbeat)
			r.Delete("/devices/{deviceID}", h.UnregisterDevice)
			r.Get("/users/{userID}/devices", h.ListDevices)
			r.Get("/ws", h.AttachWebSocket)
		})

		// Operator endpoints.
		r.Get("/deadletter", h.ListDeadLetters)
		r.Delete("/deadletter/{key}", h.DeleteDeadLetter)
	})

	return r
}
