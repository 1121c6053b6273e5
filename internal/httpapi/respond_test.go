package httpapi_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auth-platform/traffic-guard/internal/guard"
	"github.com/auth-platform/traffic-guard/internal/httpapi"
)

func decodeError(t *testing.T, rw *httptest.ResponseRecorder) httpapi.ErrorResponse {
	t.Helper()
	assert.Equal(t, "application/json", rw.Header().Get("Content-Type"))
	var resp httpapi.ErrorResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	return resp
}

func TestWriteErrorMapsGuardCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", guard.ErrNotFound, http.StatusNotFound, "not_found"},
		{"invalid rule", guard.ErrInvalidRule, http.StatusBadRequest, "invalid_rule"},
		{"store unavailable", guard.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
		{"circuit open", guard.ErrCircuitOpen, http.StatusServiceUnavailable, "circuit_open"},
		{"wrapped", guard.WrapError(guard.ErrNotFound, "rule r1", nil), http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			httpapi.WriteError(rw, req, tt.err)

			assert.Equal(t, tt.wantStatus, rw.Code)
			resp := decodeError(t, rw)
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	httpapi.WriteError(rw, req, errors.New("pq: connection reset"))

	assert.Equal(t, http.StatusInternalServerError, rw.Code)
	resp := decodeError(t, rw)
	assert.Equal(t, "internal_error", resp.Error)
	assert.NotContains(t, rw.Body.String(), "pq:", "driver errors never leak to clients")
}

func TestWriteErrorIncludesRequestID(t *testing.T) {
	var rw *httptest.ResponseRecorder
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteError(w, r, guard.ErrNotFound)
	}))

	rw = httptest.NewRecorder()
	handler.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))
	resp := decodeError(t, rw)
	assert.NotEmpty(t, resp.RequestID)
}

func TestWriteBadRequestAndNotFound(t *testing.T) {
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	httpapi.WriteBadRequest(rw, req, "scope is required")
	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Equal(t, "scope is required", decodeError(t, rw).Message)

	rw = httptest.NewRecorder()
	httpapi.WriteNotFound(rw, req, "no such rule")
	assert.Equal(t, http.StatusNotFound, rw.Code)
	assert.Equal(t, "no such rule", decodeError(t, rw).Message)
}
