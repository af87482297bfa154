package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfotel "github.com/Strob0t/agentdesk/internal/adapter/otel"
	"github.com/Strob0t/agentdesk/internal/middleware"
	"github.com/Strob0t/agentdesk/internal/port/cache"
)

// RouterConfig selects the middleware stack around the API.
type RouterConfig struct {
	CORSOrigin     string
	APIKeyHash     string        // bcrypt hash; empty disables auth
	Idempotency    cache.Cache   // nil disables Idempotency-Key replay
	IdempotencyTTL time.Duration
	Tracing        bool
	ServiceName    string
	WebSocket      http.HandlerFunc // mounted at /ws when set
}

// NewRouter builds the chi router with the full middleware stack.
func NewRouter(h *Handlers, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.Tracing {
		r.Use(cfotel.HTTPMiddleware(cfg.ServiceName))
	}
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	if cfg.CORSOrigin != "" {
		r.Use(CORS(cfg.CORSOrigin))
	}
	r.Use(middleware.APIKey(cfg.APIKeyHash))
	if cfg.Idempotency != nil {
		r.Use(middleware.Idempotency(cfg.Idempotency, cfg.IdempotencyTTL))
	}

	if cfg.WebSocket != nil {
		r.Get("/ws", cfg.WebSocket)
	}
	MountRoutes(r, h)
	return r
}
