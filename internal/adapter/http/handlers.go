package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/agentdesk/internal/domain/session"
)

// Orchestrator is the session API the handlers drive.
type Orchestrator interface {
	CreateSession(ctx context.Context, req session.CreateRequest) (session.Session, error)
	TerminateSession(ctx context.Context, id string) (session.Session, error)
	SuspendSession(ctx context.Context, id string) (session.Session, error)
	UnsuspendSession(ctx context.Context, id string) (session.Session, error)
	PauseAI(ctx context.Context, id string) (session.Session, error)
	ResumeAI(ctx context.Context, id string) (session.Session, error)
	TakeOver(ctx context.Context, id string) (session.Session, error)
	InjectInstructions(ctx context.Context, id, text string) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	ListSessions(ctx context.Context) []session.Session
	ActiveCount() int
}

// Handlers holds the dependencies of the REST API.
type Handlers struct {
	Sessions Orchestrator
	Health   HealthConfig
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Sessions.ListSessions(r.Context()))
}

// CreateSession handles POST /api/v1/sessions.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[session.CreateRequest](w, r)
	if !ok {
		return
	}
	s, err := h.Sessions.CreateSession(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, s)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+s.ID)
	writeJSON(w, http.StatusCreated, s)
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.GetSession(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, session.Session{})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// InjectInstructions handles POST /api/v1/sessions/{id}/inject.
func (h *Handlers) InjectInstructions(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[session.InjectRequest](w, r)
	if !ok {
		return
	}
	s, err := h.Sessions.InjectInstructions(r.Context(), urlParam(r, "id"), req.Instructions)
	if err != nil {
		writeDomainError(w, err, session.Session{})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// sessionAction adapts a single-session operation into a handler. Failed
// operations that left a snapshot behind return it with the error.
func sessionAction(op func(ctx context.Context, id string) (session.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := op(r.Context(), urlParam(r, "id"))
		if err != nil {
			writeDomainError(w, err, s)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}
