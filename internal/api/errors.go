package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/domain"
)

// APIError is the JSON error envelope returned by every API error response.
// Format: {"error": {"type": "not_found", "message": "...", "error_id": "..."}}.
// error_id is only present on internal errors, where the message is generic
// and the full detail lives in the server log under the same id.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the kind, message, and optional correlation id inside
// the envelope.
type APIErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	ErrorID string `json:"error_id,omitempty"`
}

// statusOf maps an error kind to its HTTP status code.
func statusOf(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrBadRequest:
		return http.StatusBadRequest
	case domain.ErrUnauthorized:
		return http.StatusUnauthorized
	case domain.ErrForbidden:
		return http.StatusForbidden
	case domain.ErrKindNotFound:
		return http.StatusNotFound
	case domain.ErrConflict:
		return http.StatusConflict
	case domain.ErrRateLimited:
		return http.StatusTooManyRequests
	case domain.ErrConnection:
		return http.StatusBadGateway
	case domain.ErrQueryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError classifies err and writes the envelope. Internal errors never
// leak their message: the client gets generic text plus an error_id, and the
// full error is logged under that id.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	detail := APIErrorDetail{Type: string(kind), Message: err.Error()}

	if kind == domain.ErrInternal {
		detail.ErrorID = uuid.New().String()
		detail.Message = "internal error"
		LoggerFromContext(r.Context()).Error("request failed",
			"error", err, "error_id", detail.ErrorID,
			"method", r.Method, "path", r.URL.Path)
	}

	writeJSON(w, statusOf(kind), APIError{Error: detail})
}

// writeJSON encodes v and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// decodeJSON parses the request body into v. Malformed JSON and oversized
// bodies come back as bad_request.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.Ef(domain.ErrBadRequest, "request body exceeds %d bytes", maxErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return domain.E(domain.ErrBadRequest, "request body is empty")
		}
		return domain.Ef(domain.ErrBadRequest, "invalid JSON: %v", err)
	}
	return nil
}
