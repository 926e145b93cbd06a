package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the wire shape of every error this service returns.
// Internal detail never reaches it; the message is safe for clients.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteErrorMessage writes a JSON error response with a stable error
// code and a human-readable message.
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, code, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, code, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, code, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, code, message)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter, code, message string) {
	WriteErrorMessage(w, http.StatusNotFound, code, message)
}

// WriteConflict writes a conflict error (409)
func WriteConflict(w http.ResponseWriter, code, message string) {
	WriteErrorMessage(w, http.StatusConflict, code, message)
}

// WriteLocked writes a rate limit error (429) with a Retry-After
// header derived from when the lock lifts.
func WriteLocked(w http.ResponseWriter, code, message string, until time.Time) {
	if wait := time.Until(until); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
	}
	WriteErrorMessage(w, http.StatusTooManyRequests, code, message)
}

// WriteBadGateway writes a bad gateway error (502), used when an
// upstream identity provider cannot be reached.
func WriteBadGateway(w http.ResponseWriter, code, message string) {
	WriteErrorMessage(w, http.StatusBadGateway, code, message)
}

// WriteInternalError writes a generic 500. The cause stays in the
// server log.
func WriteInternalError(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created)
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a successful response with no content (204)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
