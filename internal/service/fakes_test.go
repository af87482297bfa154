package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentdesk/internal/domain/control"
	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/port/containerruntime"
	"github.com/Strob0t/agentdesk/internal/port/display"
)

// --- fakeRuntime ---

type fakeRuntime struct {
	mu            sync.Mutex
	seq           int
	containers    map[string]*fakeContainer // by handle
	provisionErr  error
	startErr      error
	pauseErr      error
	terminateErr  error
	hangProvision bool
	provisioned   []containerruntime.Spec
	terminated    []string
}

type fakeContainer struct {
	name   string
	state  containerruntime.State
	labels map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) resolve(handle string) (string, *fakeContainer) {
	if c, ok := f.containers[handle]; ok {
		return handle, c
	}
	for h, c := range f.containers {
		if c.name == handle {
			return h, c
		}
	}
	return "", nil
}

func (f *fakeRuntime) Provision(ctx context.Context, spec containerruntime.Spec) (string, error) {
	f.mu.Lock()
	hang, err := f.hangProvision, f.provisionErr
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	handle := fmt.Sprintf("c%04d", f.seq)
	f.containers[handle] = &fakeContainer{name: spec.Name, state: containerruntime.StateCreated, labels: spec.Labels}
	f.provisioned = append(f.provisioned, spec)
	return handle, nil
}

func (f *fakeRuntime) setState(handle string, want containerruntime.State, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	_, c := f.resolve(handle)
	if c == nil {
		return containerruntime.ErrNoSuchContainer
	}
	c.state = want
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, handle string) error {
	return f.setState(handle, containerruntime.StateRunning, f.startErr)
}

func (f *fakeRuntime) Pause(_ context.Context, handle string) error {
	return f.setState(handle, containerruntime.StatePaused, f.pauseErr)
}

func (f *fakeRuntime) Resume(_ context.Context, handle string) error {
	return f.setState(handle, containerruntime.StateRunning, nil)
}

func (f *fakeRuntime) Terminate(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.terminated = append(f.terminated, handle)
	if h, c := f.resolve(handle); c != nil {
		delete(f.containers, h)
	}
	return nil
}

func (f *fakeRuntime) Describe(_ context.Context, handle string) (containerruntime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, c := f.resolve(handle)
	if c == nil {
		return containerruntime.Status{ID: handle, State: containerruntime.StateMissing}, nil
	}
	return containerruntime.Status{ID: h, Name: c.name, State: c.state, Labels: c.labels}, nil
}

func (f *fakeRuntime) ListManaged(_ context.Context) ([]containerruntime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []containerruntime.Status
	for h, c := range f.containers {
		out = append(out, containerruntime.Status{ID: h, Name: c.name, State: c.state, Labels: c.labels})
	}
	return out, nil
}

// kill simulates a container crash.
func (f *fakeRuntime) kill(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, c := f.resolve(handle); c != nil {
		c.state = containerruntime.StateExited
	}
}

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// --- fakeDecider ---

type fakeDecider struct {
	mu    sync.Mutex
	calls []control.DecisionContext
	err   error
	next  control.Action
}

func (d *fakeDecider) Decide(_ context.Context, dc control.DecisionContext) (control.Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dc)
	if d.err != nil {
		return control.Action{}, d.err
	}
	if d.next.Type == "" {
		return control.Action{Type: control.ActionWait}, nil
	}
	return d.next, nil
}

func (d *fakeDecider) Calls() []control.DecisionContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]control.DecisionContext, len(d.calls))
	copy(out, d.calls)
	return out
}

// --- fakeConnector ---

type fakeConnector struct {
	mu       sync.Mutex
	attempts int
	failN    int // fail this many attempts, then succeed; <0 fails forever
	err      error
}

func (c *fakeConnector) Name() string { return "fake" }

func (c *fakeConnector) Decide(ctx context.Context, _ control.DecisionContext) (control.Action, error) {
	c.mu.Lock()
	c.attempts++
	n := c.attempts
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return control.Action{}, err
	}
	if c.failN < 0 || n <= c.failN {
		if c.err != nil {
			return control.Action{}, c.err
		}
		return control.Action{}, errors.New("backend unavailable")
	}
	return control.Action{Type: control.ActionClick, Parameters: map[string]string{"selector": "#go"}}, nil
}

func (c *fakeConnector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// --- fakeDisplay ---

type fakeDisplay struct {
	display.Nop
	mu       sync.Mutex
	applied  []control.Action
	applyErr error
	detached []string
}

func (d *fakeDisplay) Apply(_ context.Context, _ display.Target, a control.Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.applyErr != nil {
		return d.applyErr
	}
	d.applied = append(d.applied, a)
	return nil
}

func (d *fakeDisplay) Detach(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detached = append(d.detached, id)
}

func (d *fakeDisplay) Applied() []control.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]control.Action, len(d.applied))
	copy(out, d.applied)
	return out
}

// --- helpers ---

func testLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		Image:            "consol/rocky-xfce-vnc",
		Network:          "agent-network",
		AccessPassword:   "secret",
		Resolution:       "1280x800",
		PublicHost:       "desk.local",
		ProvisionTimeout: time.Second,
		StartTimeout:     time.Second,
		PauseTimeout:     time.Second,
		TerminateTimeout: time.Second,
	}
}

// runningSession creates a session and drives it to running without a
// coordinator.
func runningSession(t *testing.T, reg *Registry, ports session.PortPair) session.Session {
	t.Helper()
	s := reg.Create(session.CreateRequest{Name: "test"}, "objective")
	s, err := reg.Update(s.ID, func(s *session.Session) error {
		s.Status = session.StatusProvisioning
		s.Ports = &ports
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = reg.Update(s.ID, func(s *session.Session) error {
		s.Status = session.StatusRunning
		s.ContainerID = "c-" + s.ID[:8]
		s.ContainerName = ContainerName(s.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
