package http

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// HealthConfig describes what /health reports.
type HealthConfig struct {
	Version     string
	MaxSessions int
	Connector   string
	Connectors  []string
	FreePairs   func() int
	Checks      map[string]HealthCheck
}

type healthStatus struct {
	Status         string            `json:"status"`
	Version        string            `json:"version,omitempty"`
	ActiveSessions int               `json:"active_sessions"`
	MaxSessions    int               `json:"max_sessions"`
	FreePortPairs  int               `json:"free_port_pairs"`
	Connector      string            `json:"connector"`
	Connectors     []string          `json:"connectors"`
	Checks         map[string]string `json:"checks,omitempty"`
}

// HandleHealth handles GET /health. Failing dependency checks degrade the
// status without changing the response code.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := h.Health
	status := healthStatus{
		Status:         "ok",
		Version:        cfg.Version,
		ActiveSessions: h.Sessions.ActiveCount(),
		MaxSessions:    cfg.MaxSessions,
		Connector:      cfg.Connector,
		Connectors:     cfg.Connectors,
	}
	if cfg.FreePairs != nil {
		status.FreePortPairs = cfg.FreePairs()
	}

	if len(cfg.Checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		status.Checks = make(map[string]string, len(cfg.Checks))
		for name, check := range cfg.Checks {
			if err := check(ctx); err != nil {
				status.Checks[name] = err.Error()
				status.Status = "degraded"
				continue
			}
			status.Checks[name] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, status)
}
