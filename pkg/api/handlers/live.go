package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/recall/pkg/api/events"
	"github.com/goclaw/recall/pkg/api/middleware"
	"github.com/goclaw/recall/pkg/api/response"
	"github.com/goclaw/recall/pkg/live"
)

const defaultRecentLimit = 50

// LiveBuffer is the ingestion buffer behind the /live endpoints.
type LiveBuffer interface {
	Append(ctx context.Context, e live.Entry) (live.Entry, error)
	Recent(ctx context.Context, room string, n int) ([]live.Entry, error)
	SearchText(ctx context.Context, text string, k int) ([]live.SearchResult, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int, error)
}

// LiveHandler handles chat ingestion and the live buffer.
type LiveHandler struct {
	buffer    LiveBuffer
	publisher Publisher
	logger    handlerLogger
}

// NewLiveHandler creates a new live handler. publisher may be nil.
func NewLiveHandler(buffer LiveBuffer, publisher Publisher, log handlerLogger) *LiveHandler {
	return &LiveHandler{buffer: buffer, publisher: publisher, logger: log}
}

type appendLiveRequest struct {
	Content   string     `json:"content" validate:"required"`
	Author    string     `json:"author" validate:"required"`
	Room      string     `json:"room"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type liveListResponse struct {
	Room    string       `json:"room,omitempty"`
	Count   int          `json:"count"`
	Total   int          `json:"total"`
	Entries []live.Entry `json:"entries"`
}

type liveSearchResponse struct {
	Query   string              `json:"query"`
	Results []live.SearchResult `json:"results"`
}

// Append handles POST /api/v1/live. Every observed message is stored as is.
func (h *LiveHandler) Append(w http.ResponseWriter, r *http.Request) {
	var req appendLiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	entry := live.Entry{Content: req.Content, Author: req.Author, Room: req.Room}
	if req.Timestamp != nil {
		entry.Timestamp = *req.Timestamp
	}

	middleware.SpanRoom(r.Context(), entry.Room)
	stored, err := h.buffer.Append(r.Context(), entry)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if h.publisher != nil {
		h.publisher.Publish(events.TypeLiveAppended, map[string]any{
			"id":      stored.ID,
			"room_id": stored.Room,
			"author":  stored.Author,
		})
	}
	response.JSON(w, http.StatusCreated, stored)
}

// Recent handles GET /api/v1/live?room=&limit=
func (h *LiveHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultRecentLimit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	room := r.URL.Query().Get("room")

	entries, err := h.buffer.Recent(r.Context(), room, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	total, err := h.buffer.Count(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []live.Entry{}
	}
	response.JSON(w, http.StatusOK, liveListResponse{Room: room, Count: len(entries), Total: total, Entries: entries})
}

// Search handles GET /api/v1/live/search?q=&k=
func (h *LiveHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, r, h.logger, fmt.Errorf("%w: q is required", response.ErrInvalidInput))
		return
	}
	k, err := intQuery(r, "k", live.DefaultSearchK)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	results, err := h.buffer.SearchText(r.Context(), q, k)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if results == nil {
		results = []live.SearchResult{}
	}
	response.JSON(w, http.StatusOK, liveSearchResponse{Query: q, Results: results})
}

// Delete handles DELETE /api/v1/live/{id}
func (h *LiveHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.buffer.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.NoContent(w)
}

// Clear handles DELETE /api/v1/live
func (h *LiveHandler) Clear(w http.ResponseWriter, r *http.Request) {
	n, err := h.buffer.Clear(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("live buffer cleared", "removed", n, "request_id", getRequestID(r))
	response.JSON(w, http.StatusOK, map[string]int{"removed": n})
}
