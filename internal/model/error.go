package model

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the standard JSON error returned by all endpoints.
// RemoteStatus is the status code reported by a group host that refused
// a request.
type ErrorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	RemoteStatus int    `json:"remote_status,omitempty"`
}

// WriteError writes a JSON error response with the given status code.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
