// Package api provides HTTP API server components.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/recall/config"
	"github.com/goclaw/recall/pkg/api/handlers"
	"github.com/goclaw/recall/pkg/api/middleware"
	"github.com/goclaw/recall/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health     *handlers.HealthHandler
	Memory     *handlers.MemoryHandler
	Live       *handlers.LiveHandler
	Digest     *handlers.DigestHandler
	Reflection *handlers.ReflectionHandler

	// WebSocket streams events on /ws/events.
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))

	// The event stream hijacks the connection, so it stays outside the
	// wrapping and timeout middleware.
	if h.WebSocket != nil && cfg.Server.WebSocket.Enabled {
		r.Handle("/ws/events", h.WebSocket)
	}

	r.Group(func(r chi.Router) {
		if cfg.Tracing.Enabled {
			r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
		}
		r.Use(middleware.Logger(log))
		if h.Metrics != nil {
			r.Use(middleware.Metrics(h.Metrics))
		}
		r.Use(middleware.CORS(&cfg.Server.CORS))
		if timeout := cfg.Server.HTTP.RequestTimeout; timeout > 0 {
			r.Use(middleware.Timeout(middleware.TimeoutOptions{
				Default: timeout,
				Routes:  routeTimeouts(cfg, timeout),
			}))
		}

		RegisterRoutes(r, h)
	})

	return r
}

// routeTimeouts gives a reflection trigger room for one reasoning call, one
// webhook delivery and the store calls around them. A manual digest is bounded by the
// scheduler itself and writes one fact at a time, so it gets no deadline.
func routeTimeouts(cfg *config.Config, base time.Duration) map[string]time.Duration {
	trigger := cfg.Reasoning.Timeout + cfg.Chat.Timeout + 2*cfg.Memory.StoreTimeout
	return map[string]time.Duration{
		"/api/v1/reflection/trigger": max(base, trigger),
		"/api/v1/digest":             0,
	}
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.Live != nil {
			r.Route("/live", func(r chi.Router) {
				r.Post("/", h.Live.Append)
				r.Get("/", h.Live.Recent)
				r.Delete("/", h.Live.Clear)
				r.Get("/search", h.Live.Search)
				r.Delete("/{id}", h.Live.Delete)
			})
		}

		if h.Digest != nil {
			r.Post("/digest", h.Digest.Run)
			r.Get("/digest/status", h.Digest.Status)
		}

		if h.Memory != nil {
			r.Route("/memory", func(r chi.Router) {
				r.Get("/counts", h.Memory.Counts)
				r.Post("/purge", h.Memory.Purge)
				r.Get("/{partition}", h.Memory.List)
				r.Post("/{partition}", h.Memory.Store)
				r.Get("/{partition}/{id}", h.Memory.Get)
				r.Delete("/{partition}/{id}", h.Memory.Delete)
			})
		}

		if h.Reflection != nil {
			r.Route("/reflection", func(r chi.Router) {
				r.Post("/trigger", h.Reflection.Trigger)
				r.Get("/status", h.Reflection.Status)
				r.Post("/reset-cooldown", h.Reflection.ResetCooldown)
			})
		}
	})

	// Health check routes (not versioned)
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}
}
