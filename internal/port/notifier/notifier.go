// Package notifier defines the outbound port for session state change events.
package notifier

import (
	"context"
	"time"

	"github.com/Strob0t/agentdesk/internal/domain/session"
)

// Event types pushed to external transports.
const (
	EventSessionUpdate  = "session_update"
	EventAIStatusUpdate = "ai_status_update"
)

// AIStatus is the payload of an ai_status_update event.
type AIStatus struct {
	SessionID      string              `json:"session_id"`
	ControlMode    session.ControlMode `json:"control_mode"`
	DegradedReason string              `json:"degraded_reason,omitempty"`
}

// Event is one outbound notification. Exactly one of Session and AIStatus is set.
type Event struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Session   *session.Session `json:"session,omitempty"`
	AIStatus  *AIStatus        `json:"ai_status,omitempty"`
	At        time.Time        `json:"at"`
}

// Payload returns the event body without the envelope.
func (e Event) Payload() any {
	if e.AIStatus != nil {
		return e.AIStatus
	}
	return e.Session
}

// Notifier delivers events to one transport.
type Notifier interface {
	// Name identifies the sink in logs (e.g. "ws", "nats").
	Name() string
	Notify(ctx context.Context, ev Event) error
}
