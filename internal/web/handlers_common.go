// Package web provides HTTP handlers for the version control API.
// This file contains shared utilities and helper functions used across handlers.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

// maxJSONBody bounds request bodies that carry commands rather than sheets.
const maxJSONBody = 1 << 20

// writeJSON encodes v as JSON with a 200 status.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

// writeJSONStatus encodes v as JSON and writes it to w.
// Logs encoding errors since headers are already sent.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into dst. Malformed bodies become
// validation errors; size overruns keep their MaxBytesError so they map to 413.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if limit <= 0 {
		limit = maxJSONBody
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytes *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytes):
			return err
		case errors.Is(err, io.EOF):
			return core.NewValidationError("body", "request body is empty")
		default:
			return core.NewValidationError("body", "invalid JSON: %v", err)
		}
	}
	return nil
}

// pathParam returns a trimmed chi URL parameter.
func pathParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

// requireField returns a validation error naming field when value is empty.
func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return core.NewValidationError(field, "is required")
	}
	return nil
}
