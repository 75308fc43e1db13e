// Package api implements the Query Surface: the read-mostly HTTP API
// dashboards poll, plus the two report mutations and the WebSocket
// upgrade. It uses Chi as the router.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the wire shape:
// {success, data?, error?: {code, message}, pagination?}.
type envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Error      *apiError   `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// apiError is the "error" object in a failed envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pagination describes a page of a List endpoint's results.
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 response with success=true and the given payload.
func Ok(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// OkPaginated writes a 200 response carrying both data and a pagination block.
func OkPaginated(w http.ResponseWriter, data any, p Pagination) {
	JSON(w, http.StatusOK, envelope{Success: true, Data: data, Pagination: &p})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errEnvelope writes the failure-shaped envelope for one of the Query
// Surface's named error codes.
func errEnvelope(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: message}})
}

// ErrInvalidAddress writes 400 INVALID_ADDRESS.
func ErrInvalidAddress(w http.ResponseWriter) {
	errEnvelope(w, http.StatusBadRequest, "INVALID_ADDRESS", "address is not a valid hex agent address")
}

// ErrAgentNotFound writes 404 AGENT_NOT_FOUND.
func ErrAgentNotFound(w http.ResponseWriter) {
	errEnvelope(w, http.StatusNotFound, "AGENT_NOT_FOUND", "agent not found")
}

// ErrReportNotFound writes 404 REPORT_NOT_FOUND.
func ErrReportNotFound(w http.ResponseWriter) {
	errEnvelope(w, http.StatusNotFound, "REPORT_NOT_FOUND", "missing report not found")
}

// ErrInvalidInput writes 400 INVALID_INPUT with a caller-supplied detail.
func ErrInvalidInput(w http.ResponseWriter, message string) {
	errEnvelope(w, http.StatusBadRequest, "INVALID_INPUT", message)
}

// ErrRateLimited writes 429 RATE_LIMITED.
func ErrRateLimited(w http.ResponseWriter) {
	errEnvelope(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded, retry later")
}

// ErrInternal writes 500 INTERNAL. The underlying cause is never exposed.
func ErrInternal(w http.ResponseWriter) {
	errEnvelope(w, http.StatusInternalServerError, "INTERNAL", "an internal error occurred")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// INVALID_INPUT response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrInvalidInput(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}