// Package aiconnector defines the boundary to external decision-making services.
package aiconnector

import (
	"context"

	"github.com/Strob0t/agentdesk/internal/domain/control"
)

// Connector decides the next browser action for a session.
type Connector interface {
	// Name returns the registered connector name (e.g. "openai").
	Name() string

	// Decide asks the backend for one action. Implementations make a single
	// attempt; retries and timeouts are layered on by the caller.
	Decide(ctx context.Context, dc control.DecisionContext) (control.Action, error)
}

// Settings configures a connector instance.
type Settings struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Extra     map[string]string
}
