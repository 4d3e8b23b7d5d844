// ABOUTME: JSON response helpers and the error-to-status mapping for HTTP handlers
// ABOUTME: Validation errors carry field detail; unknown errors become opaque 500s

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/2389/murmur/internal/auth"
	"github.com/2389/murmur/internal/chat"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeError maps service errors onto HTTP statuses. Errors without a
// mapping are logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: verr.Message, Fields: verr.Fields()})
	case errors.Is(err, chat.ErrInvalidArgument):
		sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, chat.ErrUnauthorized):
		sendJSONError(w, http.StatusForbidden, chat.ErrUnauthorized.Error())
	case errors.Is(err, chat.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, chat.ErrNotFound.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}
