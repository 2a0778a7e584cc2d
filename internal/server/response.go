package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rcliao/velos-memory/internal/logger"
	"github.com/rcliao/velos-memory/internal/normalize"
	"github.com/rcliao/velos-memory/internal/store"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes.
const (
	CodeBadRequest  = "BAD_REQUEST"
	CodeNotFound    = "NOT_FOUND"
	CodeConflict    = "CONFLICT"
	CodeRejected    = "REJECTED"
	CodeReadOnly    = "READ_ONLY"
	CodeRateLimited = "RATE_LIMITED"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal    = "INTERNAL_SERVER_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   msg,
		RequestID: RequestID(r.Context()),
	}})
}

// statusFromError maps service errors to HTTP status codes.
func statusFromError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, normalize.ErrRejected):
		return http.StatusUnprocessableEntity, CodeRejected
	case errors.Is(err, store.ErrReadOnly):
		return http.StatusForbidden, CodeReadOnly
	case errors.Is(err, store.ErrIntegrity), errors.Is(err, store.ErrSchemaGuard):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// ErrorCode returns the error code reported for err.
func ErrorCode(err error) string {
	_, code := statusFromError(err)
	return code
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFromError(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, r, status, code, err.Error())
}
