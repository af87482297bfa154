package session

import (
	"fmt"
	"strings"

	"github.com/Strob0t/agentdesk/internal/domain"
)

const maxNameLength = 128

var validStatuses = map[Status]bool{
	StatusPending:      true,
	StatusProvisioning: true,
	StatusRunning:      true,
	StatusPausing:      true,
	StatusPaused:       true,
	StatusTerminating:  true,
	StatusTerminated:   true,
	StatusFailed:       true,
}

var validModes = map[ControlMode]bool{
	ModeActive:         true,
	ModePaused:         true,
	ModeManualOverride: true,
}

// Validate checks the record invariants that must hold after every update.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required: %w", domain.ErrValidation)
	}
	if !validStatuses[s.Status] {
		return fmt.Errorf("invalid status %q: %w", s.Status, domain.ErrValidation)
	}
	if !validModes[s.ControlMode] {
		return fmt.Errorf("invalid control_mode %q: %w", s.ControlMode, domain.ErrValidation)
	}
	if s.Status.HoldsPorts() && s.Ports == nil {
		return fmt.Errorf("status %s requires a port pair: %w", s.Status, domain.ErrValidation)
	}
	if !s.Status.HoldsPorts() && s.Ports != nil {
		return fmt.Errorf("status %s must not hold ports: %w", s.Status, domain.ErrValidation)
	}
	return nil
}

// Validate checks that a CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if len(r.Name) > maxNameLength {
		return fmt.Errorf("name exceeds %d characters: %w", maxNameLength, domain.ErrValidation)
	}
	return nil
}

// Validate checks that an InjectRequest carries instruction text.
func (r *InjectRequest) Validate() error {
	if strings.TrimSpace(r.Instructions) == "" {
		return fmt.Errorf("instructions are required: %w", domain.ErrValidation)
	}
	return nil
}
