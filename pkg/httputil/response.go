package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/platinummonkey/warden/pkg/autherr"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteBadRequest writes a 400 with error "bad_request"
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: message})
}

// WriteAuthError writes an *autherr.Error as {error: kind, message} with the
// kind's status. Any other error becomes an opaque 500.
func WriteAuthError(w http.ResponseWriter, err error) {
	authErr, ok := autherr.As(err)
	if !ok {
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "internal server error",
		})
		return
	}
	WriteJSON(w, authErr.HTTPStatus(), ErrorResponse{
		Error:   string(authErr.Kind),
		Message: authErr.Message,
	})
}
