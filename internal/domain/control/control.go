// Package control defines the value types exchanged between the autonomous
// control loop, the display subsystem and AI connectors.
package control

import "time"

// ActionType names one thing the loop can do to the remote browser.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionScroll   ActionType = "scroll"
	ActionWait     ActionType = "wait"
	ActionDone     ActionType = "done"
)

// DefaultActions is offered to the connector when the display backend does
// not advertise its own set. The first entry doubles as the fallback action.
var DefaultActions = []ActionType{
	ActionWait,
	ActionNavigate,
	ActionClick,
	ActionTypeText,
	ActionScroll,
	ActionDone,
}

// Observation is what the loop can see of a session's browser.
type Observation struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	CapturedAt time.Time `json:"captured_at"`
}

// Action is a decision returned by an AI connector.
type Action struct {
	Type       ActionType        `json:"action"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

// DecisionContext is everything a connector gets to decide the next action.
type DecisionContext struct {
	SessionID        string       `json:"session_id"`
	Objective        string       `json:"objective"`
	Instructions     []string     `json:"instructions"`
	Observation      Observation  `json:"observation"`
	AvailableActions []ActionType `json:"available_actions"`
}

// Summary renders an action for logs and the session record.
func (a Action) Summary() string {
	s := string(a.Type)
	switch a.Type {
	case ActionNavigate:
		s += " " + a.Parameters["url"]
	case ActionClick:
		s += " " + a.Parameters["selector"]
	case ActionTypeText:
		s += " " + a.Parameters["selector"]
	}
	return s
}
