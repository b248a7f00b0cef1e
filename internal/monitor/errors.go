package monitor

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorCode is a stable machine-readable error identifier returned in
// monitor API error bodies.
type ErrorCode string

const (
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeBadRequest         ErrorCode = "BAD_REQUEST"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// APIError is the standardized error response body for the monitor API.
type APIError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func newAPIError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message, Timestamp: time.Now().UTC()}
}

func (e *APIError) Error() string {
	return e.Message
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(err); encodeErr != nil {
		s.logger.Error().Err(encodeErr).Msg("failed to encode error response")
	}
}

func (s *Server) internalError(w http.ResponseWriter, message string) {
	s.errorResponse(w, http.StatusInternalServerError, newAPIError(ErrCodeInternal, message))
}

func (s *Server) notFound(w http.ResponseWriter, resource string) {
	s.errorResponse(w, http.StatusNotFound, newAPIError(ErrCodeNotFound, resource+" not found"))
}

func (s *Server) badRequest(w http.ResponseWriter, message string) {
	s.errorResponse(w, http.StatusBadRequest, newAPIError(ErrCodeBadRequest, message))
}
