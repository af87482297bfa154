// Package containerruntime defines the narrow capability the orchestrator
// needs from a container engine.
package containerruntime

import (
	"context"
	"errors"
)

// ErrNoSuchContainer is returned when the runtime has no container for a handle.
var ErrNoSuchContainer = errors.New("containerruntime: no such container")

// Label keys stamped on every managed container.
const (
	LabelManaged = "agentdesk.managed"
	LabelSession = "agentdesk.session"
)

// PortBinding publishes a container port on a host port.
type PortBinding struct {
	HostPort      int
	ContainerPort int
	Protocol      string // "tcp" when empty
}

// Spec describes a container to provision.
type Spec struct {
	Name    string
	Image   string
	Network string
	Env     map[string]string
	Labels  map[string]string
	Ports   []PortBinding
}

// State is the runtime-observed state of a container.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateExited  State = "exited"
	StateDead    State = "dead"
	StateMissing State = "missing"
)

// Gone reports whether the container can no longer serve its session.
func (s State) Gone() bool {
	return s == StateExited || s == StateDead || s == StateMissing
}

// Status is what Describe observes.
type Status struct {
	ID     string
	Name   string
	State  State
	Labels map[string]string
}

// Runtime provisions and drives containers. A handle is whatever Provision
// returned; Terminate and Describe also accept a container name.
type Runtime interface {
	Provision(ctx context.Context, spec Spec) (handle string, err error)
	Start(ctx context.Context, handle string) error
	Pause(ctx context.Context, handle string) error
	Resume(ctx context.Context, handle string) error
	// Terminate stops and removes the container. Removing a container that
	// does not exist is not an error.
	Terminate(ctx context.Context, handle string) error
	Describe(ctx context.Context, handle string) (Status, error)
}

// Lister is implemented by runtimes that can enumerate containers by label.
type Lister interface {
	ListManaged(ctx context.Context) ([]Status, error)
}
