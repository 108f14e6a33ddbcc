package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goclaw/recall/pkg/api/response"
	"github.com/goclaw/recall/pkg/logger"
)

func TestRecovery(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		panics  bool
	}{
		{
			name: "no panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
		},
		{
			name: "panic with string",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("nil vector for fact 01HX")
			},
			panics: true,
		},
		{
			name: "panic with error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic(response.ErrInternalServer)
			},
			panics: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			log := logger.New(&logger.Config{Level: logger.InfoLevel, Format: "json", Writer: &logs})
			handler := RequestID()(Recovery(log)(tt.handler))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/memory/facts", nil)
			req.Header.Set(RequestIDHeader, "req-recall-1")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if !tt.panics {
				if w.Code != http.StatusOK {
					t.Fatalf("status = %d, want 200", w.Code)
				}
				return
			}
			if w.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", w.Code)
			}
			var errResp response.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
				t.Fatalf("failed to unmarshal error response: %v", err)
			}
			if errResp.Error.Code != response.ErrCodeInternalServer {
				t.Errorf("error code = %v, want %v", errResp.Error.Code, response.ErrCodeInternalServer)
			}
			if errResp.Error.RequestID != "req-recall-1" {
				t.Errorf("request id = %q", errResp.Error.RequestID)
			}
			if strings.Contains(w.Body.String(), "01HX") {
				t.Errorf("panic value leaked to the client: %s", w.Body.String())
			}
			if !strings.Contains(logs.String(), "req-recall-1") || !strings.Contains(logs.String(), "handler panic") {
				t.Errorf("panic not logged with request id: %s", logs.String())
			}
		})
	}
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	handler := Recovery(logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", v)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/live", nil))
	t.Fatal("ErrAbortHandler was swallowed")
}
