package handlers

import (
	"context"
	"net/http"

	"github.com/goclaw/recall/pkg/api/middleware"
	"github.com/goclaw/recall/pkg/api/response"
	"github.com/goclaw/recall/pkg/reflection"
)

// Reflector runs proactive reflection cycles.
type Reflector interface {
	Trigger(ctx context.Context, room string, manual bool) (*reflection.Reflection, error)
	Status() reflection.EngineStatus
	ResetCooldown()
}

// ReflectionHandler handles the reflection endpoints.
type ReflectionHandler struct {
	engine Reflector
	logger handlerLogger
}

// NewReflectionHandler creates a new reflection handler.
func NewReflectionHandler(engine Reflector, log handlerLogger) *ReflectionHandler {
	return &ReflectionHandler{engine: engine, logger: log}
}

type triggerRequest struct {
	RoomID string `json:"roomId"`
}

// Trigger handles POST /api/v1/reflection/trigger. A manual trigger skips the
// cooldown but still honours the daily limit and the self-skip; a skipped
// cycle is reported with rate_limited set.
func (h *ReflectionHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	middleware.SpanRoom(r.Context(), req.RoomID)
	result, err := h.engine.Trigger(r.Context(), req.RoomID, true)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, result)
}

// Status handles GET /api/v1/reflection/status
func (h *ReflectionHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.engine.Status())
}

// ResetCooldown handles POST /api/v1/reflection/reset-cooldown
func (h *ReflectionHandler) ResetCooldown(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetCooldown()
	h.logger.Info("reflection cooldown reset", "request_id", getRequestID(r))
	response.JSON(w, http.StatusOK, h.engine.Status().Limiter)
}
