package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/goclaw/recall/pkg/api/response"
	"github.com/goclaw/recall/pkg/version"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks  map[string]ReadinessCheck
	started time.Time
	status  func(ctx context.Context) map[string]any
}

// NewHealthHandler creates a new health handler. status, when set, adds
// component snapshots to /status.
func NewHealthHandler(checks map[string]ReadinessCheck, status func(ctx context.Context) map[string]any) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		started: time.Now(),
		status:  status,
	}
}

// Health handles the /health endpoint (liveness check).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint (readiness check).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	failures := h.runChecks(r.Context())
	if len(failures) > 0 {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"checks": failures,
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{
		"ready": true,
	})
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"version": version.Info(),
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}
	if failures := h.runChecks(r.Context()); len(failures) > 0 {
		body["checks"] = failures
	}
	if h.status != nil {
		for k, v := range h.status(r.Context()) {
			body[k] = v
		}
	}
	response.JSON(w, http.StatusOK, body)
}

func (h *HealthHandler) runChecks(ctx context.Context) map[string]string {
	failures := make(map[string]string)
	for name, check := range h.checks {
		cctx, cancel := context.WithTimeout(ctx, readinessTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}
