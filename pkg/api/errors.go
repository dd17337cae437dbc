package api

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes data as a JSON response
func WriteJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes an error response. message carries the cause and may
// be empty.
func WriteError(w http.ResponseWriter, status int, summary, message string) {
	WriteJSON(w, ErrorResponse{Error: summary, Message: message}, status)
}

// BadRequest writes a 400 Bad Request error
func BadRequest(w http.ResponseWriter, summary, message string) {
	WriteError(w, http.StatusBadRequest, summary, message)
}

// InternalError writes a 500 Internal Server Error. Storage details stay in
// the log.
func InternalError(w http.ResponseWriter, summary string) {
	WriteError(w, http.StatusInternalServerError, summary, "")
}
