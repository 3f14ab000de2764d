// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorCode writes a JSON error response carrying an opaque error code
func WriteErrorCode(w http.ResponseWriter, status int, code string) {
	WriteJSON(w, status, map[string]string{"error": code})
}

// WriteInternalError writes a 500 without leaking the underlying error
func WriteInternalError(w http.ResponseWriter) {
	WriteErrorCode(w, http.StatusInternalServerError, "internal_error")
}

// WriteNoContent writes a 204 No Content response
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteTooManyRequests writes a 429 with a Retry-After hint in seconds
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", itoa(retryAfterSeconds))
	}
	WriteErrorCode(w, http.StatusTooManyRequests, "rate_limited")
}

// WriteServiceUnavailable writes a 503 Service Unavailable response
func WriteServiceUnavailable(w http.ResponseWriter) {
	WriteErrorCode(w, http.StatusServiceUnavailable, "service_unavailable")
}
