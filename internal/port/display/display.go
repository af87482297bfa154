// Package display defines the boundary to the remote browser inside a
// session container. The display protocol itself lives elsewhere.
package display

import (
	"context"

	"github.com/Strob0t/agentdesk/internal/domain/control"
)

// Target addresses the browser of one session.
type Target struct {
	SessionID     string
	ContainerName string
}

// Observer reads what the session's browser currently shows.
type Observer interface {
	Observe(ctx context.Context, t Target) (control.Observation, error)
}

// Actuator applies an action to the session's browser.
type Actuator interface {
	Apply(ctx context.Context, t Target, a control.Action) error
}

// Driver is a full display backend.
type Driver interface {
	Observer
	Actuator
	// Actions lists the action types this driver can apply.
	Actions() []control.ActionType
	// Detach drops any connection held for the session.
	Detach(sessionID string)
}
