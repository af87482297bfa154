package display

import (
	"context"
	"time"

	"github.com/Strob0t/agentdesk/internal/domain/control"
)

// Nop is a Driver for deployments without browser access. It observes an
// empty page and accepts every action without doing anything.
type Nop struct{}

// Observe returns an empty observation.
func (Nop) Observe(context.Context, Target) (control.Observation, error) {
	return control.Observation{CapturedAt: time.Now()}, nil
}

// Apply discards the action.
func (Nop) Apply(context.Context, Target, control.Action) error { return nil }

// Actions returns the default action set.
func (Nop) Actions() []control.ActionType { return control.DefaultActions }

// Detach does nothing.
func (Nop) Detach(string) {}
