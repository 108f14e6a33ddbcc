package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/goclaw/recall/pkg/chat"
	"github.com/goclaw/recall/pkg/digest"
	"github.com/goclaw/recall/pkg/embedding"
	"github.com/goclaw/recall/pkg/live"
	"github.com/goclaw/recall/pkg/memory"
	"github.com/goclaw/recall/pkg/reasoning"
	"github.com/goclaw/recall/pkg/reflection"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id"`
}

// Common error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeBadGateway         = "BAD_GATEWAY"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// Common errors
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrValidationFailed   = errors.New("validation failed")
	ErrConflict           = errors.New("resource conflict")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("request timeout")
	ErrInternalServer     = errors.New("internal server error")
)

// HTTPStatusFromError maps API and domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidationFailed),
		errors.Is(err, memory.ErrInvalidPartition), errors.Is(err, memory.ErrInvalidRecord),
		errors.Is(err, memory.ErrInvalidTTL), errors.Is(err, memory.ErrDimensionMismatch),
		errors.Is(err, live.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict), errors.Is(err, digest.ErrDigestInProgress),
		errors.Is(err, reflection.ErrReflectionInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, memory.ErrStoreUnavailable),
		errors.Is(err, reasoning.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, embedding.ErrEmbedding), errors.Is(err, reasoning.ErrMalformedExtraction),
		errors.Is(err, chat.ErrPostFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout), errors.Is(err, reasoning.ErrReasoningTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusBadGateway:
		return ErrCodeBadGateway
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError writes the response matching err.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	code := ErrorCodeFromStatus(status)
	Error(w, status, code, err.Error(), requestID)
}
