// Package session defines the Session domain entity: one managed sandbox
// container plus the control state of whoever drives it.
package session

import (
	"slices"
	"time"
)

// Status is the lifecycle status of a session's container.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusPausing      Status = "pausing"
	StatusPaused       Status = "paused"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
	StatusFailed       Status = "failed"
)

// ControlMode says which actor may currently drive a running session.
type ControlMode string

const (
	ModeActive         ControlMode = "active"          // autonomous loop may act
	ModePaused         ControlMode = "paused"          // nobody acts
	ModeManualOverride ControlMode = "manual_override" // a human drives, the loop stays idle
)

// PortPair is the host port pair published by a session container. Both
// ports sit at the same offset of their configured ranges.
type PortPair struct {
	Display int `json:"display"`
	Web     int `json:"web"`
}

// Session is the authoritative record of one sandbox.
type Session struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Status         Status      `json:"status"`
	ControlMode    ControlMode `json:"control_mode"`
	Ports          *PortPair   `json:"ports,omitempty"`
	ContainerID    string      `json:"container_id,omitempty"`
	ContainerName  string      `json:"container_name,omitempty"`
	DisplayURL     string      `json:"display_url,omitempty"`
	Objective      string      `json:"objective"`
	Instructions   []string    `json:"instructions"`
	LastAction     string      `json:"last_action,omitempty"`
	DegradedReason string      `json:"degraded_reason,omitempty"`
	Error          string      `json:"error,omitempty"`
	Version        int         `json:"version"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	LastActionAt   *time.Time  `json:"last_action_at,omitempty"`
}

// CreateRequest holds the caller-supplied fields of a new session.
type CreateRequest struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions,omitempty"`
}

// InjectRequest carries instruction text appended to a session queue.
type InjectRequest struct {
	Instructions string `json:"instructions"`
}

// OccupiesSlot reports whether a session in this status counts against the
// concurrency cap.
func (s Status) OccupiesSlot() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusRunning, StatusPausing, StatusPaused:
		return true
	}
	return false
}

// HoldsPorts reports whether a session in this status owns a port pair.
func (s Status) HoldsPorts() bool {
	switch s {
	case StatusProvisioning, StatusRunning, StatusPausing, StatusPaused, StatusTerminating:
		return true
	}
	return false
}

// Terminal reports whether no further lifecycle transition is possible.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

// Live reports whether the session has not reached a terminal status.
func (s *Session) Live() bool {
	return !s.Status.Terminal()
}

// Clone returns a deep copy so snapshots handed to callers never alias the
// registry's record.
func (s *Session) Clone() Session {
	c := *s
	if s.Ports != nil {
		p := *s.Ports
		c.Ports = &p
	}
	c.Instructions = slices.Clone(s.Instructions)
	if c.Instructions == nil {
		c.Instructions = []string{}
	}
	if s.LastActionAt != nil {
		t := *s.LastActionAt
		c.LastActionAt = &t
	}
	return c
}
