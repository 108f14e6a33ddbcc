package handlers

import (
	"context"
	"net/http"

	"github.com/goclaw/recall/pkg/api/response"
	"github.com/goclaw/recall/pkg/digest"
)

// Digester runs and reports the digest cycle.
type Digester interface {
	Run(ctx context.Context) (*digest.RunResult, error)
	Status(ctx context.Context) digest.Status
}

// DigestHandler handles the digest endpoints.
type DigestHandler struct {
	digester Digester
	logger   handlerLogger
}

// NewDigestHandler creates a new digest handler.
func NewDigestHandler(d Digester, log handlerLogger) *DigestHandler {
	return &DigestHandler{digester: d, logger: log}
}

// Run handles POST /api/v1/digest. The cycle runs synchronously; a digest
// already in progress yields 409.
func (h *DigestHandler) Run(w http.ResponseWriter, r *http.Request) {
	result, err := h.digester.Run(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("digest forced", "entries", result.Entries, "request_id", getRequestID(r))
	response.JSON(w, http.StatusOK, result)
}

// Status handles GET /api/v1/digest/status
func (h *DigestHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.digester.Status(r.Context()))
}
