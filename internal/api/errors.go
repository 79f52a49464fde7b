package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/devicebus-core/internal/gateway"
	"github.com/nerrad567/devicebus-core/internal/message"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// Retryable is set for pipeline failures a caller may repeat.
	Retryable bool `json:"retryable,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writePipelineError reports a routing or codec failure with the same
// acknowledgement a device adapter would send.
func writePipelineError(w http.ResponseWriter, err error) {
	nack := gateway.NackFor(err)
	status := statusFor(err)
	writeJSON(w, status, Error{
		Status:    status,
		Code:      string(nack.Code),
		Message:   nack.Message,
		Retryable: nack.Retryable,
	})
}

// statusFor maps a pipeline error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, message.ErrCodecAmbiguous):
		return http.StatusInternalServerError
	case errors.Is(err, message.ErrCodecNotFound), errors.Is(err, message.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, message.ErrDeviceOffline):
		return http.StatusConflict
	case errors.Is(err, message.ErrDeliveryTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, message.ErrIngestFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
