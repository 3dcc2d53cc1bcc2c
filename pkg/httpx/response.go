package httpx

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the uniform error body. Error carries a stable message key
// the caller can localize; Description is a developer-facing hint.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON writes a JSON response with the given status code. Responses
// carry authentication state, so caching is always disabled.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a standard error body with a message key.
func WriteError(w http.ResponseWriter, code int, key, description string) {
	WriteJSON(w, code, ErrorResponse{Error: key, Description: description})
}

// NoCache sets the Cache-Control and Pragma headers to prevent caching.
func NoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
