package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/auth-platform/traffic-guard/internal/guard"
)

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError writes a standardized error response.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())

	var ge *guard.Error
	if errors.As(err, &ge) {
		writeJSONError(w, guard.ToHTTPStatus(ge), ErrorResponse{
			Error:     ge.Code.String(),
			Code:      ge.Code.String(),
			Message:   ge.Message,
			RequestID: requestID,
		})
		return
	}

	writeJSONError(w, http.StatusInternalServerError, ErrorResponse{
		Error:     "internal_error",
		Message:   "An internal error occurred",
		RequestID: requestID,
	})
}

// WriteErrorWithStatus writes an error response with a specific status code.
func WriteErrorWithStatus(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSONError(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// WriteBadRequest writes a 400 Bad Request error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorWithStatus(w, r, http.StatusBadRequest, message)
}

// WriteNotFound writes a 404 Not Found error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorWithStatus(w, r, http.StatusNotFound, message)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) // Error intentionally ignored - response already committed
}

func writeJSONError(w http.ResponseWriter, status int, response ErrorResponse) {
	writeJSON(w, status, response)
}
