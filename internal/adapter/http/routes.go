package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the health endpoint and the session API on r.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.HandleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}", sessionAction(h.Sessions.TerminateSession))

		// AI control
		r.Post("/sessions/{id}/pause", sessionAction(h.Sessions.PauseAI))
		r.Post("/sessions/{id}/resume", sessionAction(h.Sessions.ResumeAI))
		r.Post("/sessions/{id}/takeover", sessionAction(h.Sessions.TakeOver))
		r.Post("/sessions/{id}/inject", h.InjectInstructions)

		// Container pause / resume
		r.Post("/sessions/{id}/suspend", sessionAction(h.Sessions.SuspendSession))
		r.Post("/sessions/{id}/unsuspend", sessionAction(h.Sessions.UnsuspendSession))
	})
}
