// Package respond writes JSON bodies and maps classified errors to HTTP responses.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/platform/apperror"
)

const (
	msgUnavailable    = "service temporarily unavailable"
	msgUserManagement = "user management service temporarily unavailable"
	msgPermission     = "permission service temporarily unavailable"
	msgInternal       = "internal server error"
	msgUnexpected     = "an unexpected error occurred while processing the request"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Timestamp string            `json:"timestamp"`
	Status    int               `json:"status"`
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Path      string            `json:"path"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// FieldErrors is a validation failure on named request fields.
type FieldErrors struct {
	Message string
	Fields  map[string]string
}

func (e *FieldErrors) Error() string { return e.Message }

// JSON writes data with status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Status maps err to an HTTP status and a caller-safe message.
func Status(err error) (int, string) {
	var fe *FieldErrors
	if errors.As(err, &fe) {
		return http.StatusBadRequest, fe.Message
	}
	e, ok := apperror.As(err)
	if !ok {
		return http.StatusInternalServerError, msgUnexpected
	}
	switch e.Kind {
	case apperror.KindValidation:
		return http.StatusBadRequest, e.Message
	case apperror.KindNotFound:
		return http.StatusNotFound, e.Message
	case apperror.KindUnauthorized:
		return http.StatusUnauthorized, e.Message
	case apperror.KindForbidden:
		return http.StatusForbidden, e.Message
	case apperror.KindRateLimited:
		return http.StatusTooManyRequests, e.Message
	case apperror.KindInfrastructure:
		switch e.Component {
		case apperror.ComponentRedis, apperror.ComponentPostgres, apperror.ComponentSessionRepository:
			return http.StatusServiceUnavailable, msgUnavailable
		case apperror.ComponentUserManagement:
			return http.StatusServiceUnavailable, msgUserManagement
		case apperror.ComponentPermission:
			return http.StatusServiceUnavailable, msgPermission
		default:
			return http.StatusInternalServerError, msgInternal
		}
	default:
		return http.StatusInternalServerError, msgUnexpected
	}
}

// Error writes the error envelope for err. Server-side failures are logged with their cause.
func Error(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, msg := Status(err)
	logger = logging.OrDiscard(logger)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.InfoContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	body := ErrorBody{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   msg,
		Path:      r.URL.Path,
	}
	var fe *FieldErrors
	if errors.As(err, &fe) {
		body.Errors = fe.Fields
	}
	JSON(w, status, body)
}
