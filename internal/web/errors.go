package web

// errors.go provides unified error response handling for the API.
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls s.respondError(w, r, err)
//  3. statusFor picks the HTTP status from the error's domain type
//  4. core.MapError supplies the user message and stable code
//  5. The technical error is logged with the request id for correlation

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/sheetvc/internal/core"
	"github.com/JonMunkholm/sheetvc/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Retry-After hints in seconds.
const (
	retryAfterStorage = 5
	retryAfterIngest  = 10
)

// statusFor maps a domain error to its HTTP status. Order matters:
// PayloadTooLarge and UnsupportedFormat are validation kinds and must be
// checked before ErrValidation.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, core.ErrTooManyIngests):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrPayloadTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConflictState):
		return http.StatusConflict
	case errors.Is(err, core.ErrCrossSpreadsheet):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs the technical error server-side and writes the mapped
// user message. Client errors log at warn, server errors at error.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		err = core.PayloadTooLarge(maxBytes.Limit+1, maxBytes.Limit)
	}
	userMsg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request error", attrs...)
	}

	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterStorage))
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterIngest))
	}

	writeJSONStatus(w, status, ErrorResponse{
		Error:     userMsg.Message,
		Message:   userMsg.Message,
		Action:    userMsg.Action,
		Code:      userMsg.Code,
		Retryable: core.IsRetryable(err),
	})
}

// writeError writes a JSON error for failures raised by the web layer itself
// (rate limiting, malformed routes) that have no domain error.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSONStatus(w, status, ErrorResponse{
		Error:   message,
		Message: message,
		Code:    code,
	})
}
