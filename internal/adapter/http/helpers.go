package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/agentdesk/internal/domain"
	"github.com/Strob0t/agentdesk/internal/domain/session"
)

const maxRequestBodySize = 64 << 10 // 64 KB

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error   string           `json:"error"`
	Session *session.Session `json:"session,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// domainStatus maps a domain error to its HTTP status.
func domainStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConcurrencyLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrOperationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrProvisionFailed), errors.Is(err, domain.ErrAIConnector):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. A failed session
// snapshot is attached when the operation left one behind.
func writeDomainError(w http.ResponseWriter, err error, s session.Session) {
	status := domainStatus(err)
	resp := errorResponse{Error: err.Error()}

	switch status {
	case http.StatusInternalServerError:
		slog.Error("unhandled domain error", "error", err)
		resp.Error = "internal server error"
	case http.StatusBadRequest:
		resp.Error = strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error())
	}
	if s.ID != "" {
		resp.Session = &s
	}
	writeJSON(w, status, resp)
}
