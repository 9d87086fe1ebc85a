package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xraph/escrow"
)

// Error codes carried in error responses.
const (
	CodeBlocked           = "blocked"
	CodeInvalidEntityType = "invalid_entity_type"
	CodeInvalidInput      = "invalid_input"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeContention        = "contention"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal"
)

// classify maps a domain error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, escrow.ErrBlocked):
		return http.StatusBadRequest, CodeBlocked
	case errors.Is(err, escrow.ErrInvalidEntityType):
		return http.StatusBadRequest, CodeInvalidEntityType
	case errors.Is(err, escrow.ErrInvalidInput), errors.Is(err, escrow.ErrSelfDependency):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, escrow.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, escrow.ErrRecordNotFound), errors.Is(err, escrow.ErrEntityNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, escrow.ErrContention):
		return http.StatusConflict, CodeContention
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := classify(err)
	msg := err.Error()
	if reason, ok := escrow.BlockingReason(err); ok {
		msg = reason
	}
	if code == http.StatusInternalServerError {
		a.logger.Error("api request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", RequestIDFrom(r.Context())),
			slog.String("error", msg),
		)
		msg = http.StatusText(code)
	}
	writeJSON(w, code, ErrorResponse{
		Error:     ErrorDetail{Code: name, Message: msg},
		RequestID: RequestIDFrom(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 1 << 20

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %w", escrow.ErrInvalidInput, err)
	}
	return nil
}
