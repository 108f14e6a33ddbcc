package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/recall/pkg/api/events"
	"github.com/goclaw/recall/pkg/api/response"
	"github.com/goclaw/recall/pkg/memory"
)

// FactWriter is the deduplicating write path for durable memories.
type FactWriter interface {
	StoreFact(ctx context.Context, partition memory.Partition, in memory.FactInput) (memory.StoreResult, error)
}

// ExpiryPurger removes expired records on demand.
type ExpiryPurger interface {
	PurgeExpired(ctx context.Context) (map[memory.Partition]int, error)
}

// Publisher pushes events to websocket subscribers.
type Publisher interface {
	Publish(eventType string, payload any)
}

// MemoryHandler handles the partitioned memory endpoints.
type MemoryHandler struct {
	store     memory.Store
	writer    FactWriter
	purger    ExpiryPurger
	publisher Publisher
	logger    handlerLogger
}

// NewMemoryHandler creates a new memory handler. publisher may be nil.
func NewMemoryHandler(store memory.Store, writer FactWriter, purger ExpiryPurger, publisher Publisher, log handlerLogger) *MemoryHandler {
	return &MemoryHandler{
		store:     store,
		writer:    writer,
		purger:    purger,
		publisher: publisher,
		logger:    log,
	}
}

type storeMemoryRequest struct {
	Content  string            `json:"content" validate:"required"`
	Subjects []string          `json:"subjects,omitempty" validate:"max=32"`
	TTL      string            `json:"ttl,omitempty"`
	Category string            `json:"category,omitempty" validate:"max=64"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// recordView is a record without its vector.
type recordView struct {
	ID        string            `json:"id"`
	Partition memory.Partition  `json:"partition"`
	Content   string            `json:"content"`
	Subjects  []string          `json:"subjects"`
	Category  string            `json:"category,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	TTL       string            `json:"ttl,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func viewOf(rec *memory.Record) recordView {
	subjects := rec.Subjects
	if subjects == nil {
		subjects = []string{}
	}
	var ttl string
	if rec.ExpiresAt != nil {
		ttl = memory.FormatTTL(rec.ExpiresAt.Sub(rec.Timestamp))
	}
	return recordView{
		TTL:       ttl,
		ID:        rec.ID,
		Partition: rec.Partition,
		Content:   rec.Content,
		Subjects:  subjects,
		Category:  rec.Category,
		Timestamp: rec.Timestamp,
		ExpiresAt: rec.ExpiresAt,
		Metadata:  rec.Metadata,
	}
}

type listMemoryResponse struct {
	Partition memory.Partition `json:"partition"`
	Count     int              `json:"count"`
	Records   []recordView     `json:"records"`
}

type purgeResponse struct {
	Removed map[memory.Partition]int `json:"removed"`
	Total   int                      `json:"total"`
}

func (h *MemoryHandler) partition(w http.ResponseWriter, r *http.Request) (memory.Partition, bool) {
	p, err := memory.ParsePartition(chi.URLParam(r, "partition"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return "", false
	}
	return p, true
}

// Counts handles GET /api/v1/memory/counts
func (h *MemoryHandler) Counts(w http.ResponseWriter, r *http.Request) {
	counts := make(map[memory.Partition]int, len(memory.Partitions))
	for _, p := range memory.Partitions {
		n, err := h.store.Count(r.Context(), p)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		counts[p] = n
	}
	response.JSON(w, http.StatusOK, counts)
}

// List handles GET /api/v1/memory/{partition}
func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := h.partition(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	recs, err := h.store.List(r.Context(), p)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	response.JSON(w, http.StatusOK, listMemoryResponse{Partition: p, Count: len(views), Records: views})
}

// Get handles GET /api/v1/memory/{partition}/{id}
func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.partition(w, r)
	if !ok {
		return
	}
	rec, err := h.store.Get(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, viewOf(rec))
}

// Store handles POST /api/v1/memory/{partition}. The write goes through the
// deduplicator, so a near-identical memory is replaced rather than repeated.
func (h *MemoryHandler) Store(w http.ResponseWriter, r *http.Request) {
	p, ok := h.partition(w, r)
	if !ok {
		return
	}
	var req storeMemoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.writer.StoreFact(r.Context(), p, memory.FactInput{
		Content:  req.Content,
		Subjects: req.Subjects,
		TTL:      req.TTL,
		Category: req.Category,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if h.publisher != nil {
		h.publisher.Publish(events.TypeMemoryStored, map[string]any{
			"partition": p,
			"action":    result.Action,
			"id":        result.ID,
		})
	}

	status := http.StatusCreated
	if result.Action == memory.ActionUpdated {
		status = http.StatusOK
	}
	response.JSON(w, status, result)
}

// Delete handles DELETE /api/v1/memory/{partition}/{id}
func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := h.partition(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.NoContent(w)
}

// Purge handles POST /api/v1/memory/purge
func (h *MemoryHandler) Purge(w http.ResponseWriter, r *http.Request) {
	removed, err := h.purger.PurgeExpired(r.Context())
	if err != nil && len(removed) == 0 {
		writeError(w, r, h.logger, err)
		return
	}
	if err != nil {
		h.logger.Warn("purge partially failed", "request_id", getRequestID(r), "error", err)
	}

	total := 0
	for _, n := range removed {
		total += n
	}
	response.JSON(w, http.StatusOK, purgeResponse{Removed: removed, Total: total})
}
