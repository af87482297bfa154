package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	cfotel "github.com/Strob0t/agentdesk/internal/adapter/otel"
	"github.com/Strob0t/agentdesk/internal/domain"
	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/logger"
	"github.com/Strob0t/agentdesk/internal/port/sessionstore"
)

// PortAllocator hands out and takes back port pairs.
type PortAllocator interface {
	Allocate() (session.PortPair, error)
	Release(pair session.PortPair) error
}

// CoordinatorConfig holds admission and shutdown settings.
type CoordinatorConfig struct {
	MaxSessions         int
	DefaultObjective    string
	TerminateOnShutdown bool
	ShutdownParallelism int
}

// opLock serialises create, terminate and suspend of one session.
type opLock struct {
	mu   sync.Mutex
	refs int
}

// Coordinator composes the allocator, registry, lifecycle manager and control
// state machine into the operations exposed to callers. It is the only
// component that releases ports and decides between rolling back a session
// and letting it continue degraded.
type Coordinator struct {
	cfg       CoordinatorConfig
	registry  *Registry
	ports     PortAllocator
	lifecycle *LifecycleService
	control   *ControlService
	store     sessionstore.Store
	metrics   *cfotel.Metrics

	// admit spans the cap check and the registry insert.
	admit sync.Mutex

	// held tracks pairs not yet returned to the allocator, so every pair is
	// released exactly once no matter how many cleanup paths race.
	heldMu sync.Mutex
	held   map[string]session.PortPair

	opsMu sync.Mutex
	ops   map[string]*opLock
}

// NewCoordinator creates a Coordinator. store may be nil.
func NewCoordinator(
	cfg CoordinatorConfig,
	reg *Registry,
	ports PortAllocator,
	lifecycle *LifecycleService,
	control *ControlService,
	store sessionstore.Store,
) *Coordinator {
	if cfg.ShutdownParallelism <= 0 {
		cfg.ShutdownParallelism = 4
	}
	return &Coordinator{
		cfg:       cfg,
		registry:  reg,
		ports:     ports,
		lifecycle: lifecycle,
		control:   control,
		store:     store,
		held:      make(map[string]session.PortPair),
		ops:       make(map[string]*opLock),
	}
}

// SetMetrics attaches a metrics recorder.
func (c *Coordinator) SetMetrics(m *cfotel.Metrics) { c.metrics = m }

func (c *Coordinator) lockSession(id string) func() {
	c.opsMu.Lock()
	l, ok := c.ops[id]
	if !ok {
		l = &opLock{}
		c.ops[id] = l
	}
	l.refs++
	c.opsMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.opsMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(c.ops, id)
		}
		c.opsMu.Unlock()
	}
}

func (c *Coordinator) hold(id string, pair session.PortPair) {
	c.heldMu.Lock()
	c.held[id] = pair
	c.heldMu.Unlock()
}

// release returns the session's pair to the allocator if it still holds one.
func (c *Coordinator) release(id string) {
	c.heldMu.Lock()
	pair, ok := c.held[id]
	delete(c.held, id)
	c.heldMu.Unlock()
	if !ok {
		return
	}
	if err := c.ports.Release(pair); err != nil {
		slog.Error("release ports failed", "session_id", id, "display", pair.Display, "web", pair.Web, "error", err)
	}
}

// CreateSession admits, provisions and starts a new session, then starts its
// control loop. On ErrConcurrencyLimit and ErrPoolExhausted nothing is
// created. On provision or start failure the session is kept as failed with
// its ports released and its container removed.
func (c *Coordinator) CreateSession(ctx context.Context, req session.CreateRequest) (s session.Session, err error) {
	if err := req.Validate(); err != nil {
		return session.Session{}, err
	}
	ctx, span := cfotel.StartSessionSpan(ctx, "create", "")
	defer func() { cfotel.EndSpan(span, err) }()

	c.admit.Lock()
	if n := c.registry.CountActive(); n >= c.cfg.MaxSessions {
		c.admit.Unlock()
		c.metrics.RecordSession(ctx, "rejected", "concurrency_limit")
		return session.Session{}, fmt.Errorf("%d of %d sessions active: %w", n, c.cfg.MaxSessions, domain.ErrConcurrencyLimit)
	}
	pair, err := c.ports.Allocate()
	if err != nil {
		c.admit.Unlock()
		c.metrics.RecordSession(ctx, "rejected", "pool_exhausted")
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	id := c.registry.Create(req, c.cfg.DefaultObjective).ID
	c.hold(id, pair)
	// The id becomes visible on insert; hold its op lock before admitting
	// others so a racing terminate waits for the create to finish.
	unlock := c.lockSession(id)
	c.admit.Unlock()
	defer unlock()

	ctx = logger.WithSessionID(ctx, id)
	span.SetAttributes(attribute.String("session.id", id))
	slog.InfoContext(ctx, "session admitted", "session_id", id, "display_port", pair.Display, "web_port", pair.Web)

	_, err = c.registry.Update(id, func(s *session.Session) error {
		s.Status = session.StatusProvisioning
		s.Ports = &pair
		return nil
	})
	if err != nil {
		return c.abort(ctx, id, err)
	}

	// Runtime work outlives the request; each call has its own timeout.
	rctx := context.WithoutCancel(ctx)
	if _, err = c.lifecycle.Provision(rctx, id); err != nil {
		return c.abort(ctx, id, err)
	}
	if s, err = c.lifecycle.Start(rctx, id); err != nil {
		return c.abort(ctx, id, err)
	}

	c.control.Start(id)
	c.metrics.RecordSession(ctx, "created", "")
	slog.InfoContext(ctx, "session running", "session_id", id, "container", s.ContainerID)
	return s, nil
}

// abort finishes a failed create: the session ends failed, its ports go
// back to the pool and the caller gets cause.
func (c *Coordinator) abort(ctx context.Context, id string, cause error) (session.Session, error) {
	s := c.ensureFailed(ctx, id, cause)
	c.release(id)
	c.metrics.RecordSession(ctx, "failed", "provision")
	return s, cause
}

// ensureFailed marks a session failed unless a lower layer already did and
// makes a last attempt at removing its container.
func (c *Coordinator) ensureFailed(ctx context.Context, id string, cause error) session.Session {
	s, err := c.registry.Get(id)
	if err != nil {
		return session.Session{ID: id, Status: session.StatusFailed, Error: cause.Error()}
	}
	if s.Status == session.StatusFailed && s.ContainerID == "" {
		return s
	}

	handle := s.ContainerID
	if handle == "" && s.Live() {
		handle = ContainerName(id)
	}
	removeErr := c.lifecycle.ForceRemove(ctx, handle)

	next, err := c.registry.Update(id, func(s *session.Session) error {
		if s.Status == session.StatusTerminated {
			return ErrNoChange
		}
		if s.Status != session.StatusFailed {
			s.Status = session.StatusFailed
			s.Error = cause.Error()
		}
		s.Ports = nil
		if removeErr == nil {
			s.ContainerID = ""
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "mark session failed", "session_id", id, "error", err)
		return s
	}
	return next
}

// TerminateSession cancels the control loop and waits for it, removes the
// container and releases the ports. Terminating a session that is already
// terminating, terminated or failed returns its current state without error.
func (c *Coordinator) TerminateSession(ctx context.Context, id string) (s session.Session, err error) {
	if _, err := c.registry.Get(id); err != nil {
		return session.Session{}, err
	}
	ctx, span := cfotel.StartSessionSpan(ctx, "terminate", id)
	defer func() { cfotel.EndSpan(span, err) }()

	unlock := c.lockSession(id)
	defer unlock()

	s, err = c.registry.Get(id)
	if err != nil {
		return session.Session{}, err
	}

	c.control.Stop(id)

	switch s.Status {
	case session.StatusTerminated, session.StatusTerminating:
		c.release(id)
		return s, nil
	case session.StatusFailed:
		c.release(id)
		if s.ContainerID != "" {
			s = c.ensureFailed(ctx, id, errors.New(s.Error))
		}
		return s, nil
	case session.StatusPending:
		c.release(id)
		return c.ensureFailed(ctx, id, errors.New("terminated before provisioning")), nil
	}

	s, err = c.lifecycle.Terminate(context.WithoutCancel(ctx), id)
	c.release(id)
	if err != nil {
		c.metrics.RecordSession(ctx, "failed", "terminate")
		return s, err
	}
	c.metrics.RecordSession(ctx, "terminated", "")
	slog.InfoContext(ctx, "session terminated", "session_id", id)
	return s, nil
}

// SuspendSession freezes the session's container. The control loop idles
// while the session is not running.
func (c *Coordinator) SuspendSession(ctx context.Context, id string) (session.Session, error) {
	if _, err := c.registry.Get(id); err != nil {
		return session.Session{}, err
	}
	unlock := c.lockSession(id)
	defer unlock()

	s, err := c.lifecycle.Pause(context.WithoutCancel(ctx), id)
	if err != nil {
		c.cleanupIfFailed(ctx, id)
	}
	return s, err
}

// UnsuspendSession unfreezes the session's container and wakes its loop.
func (c *Coordinator) UnsuspendSession(ctx context.Context, id string) (session.Session, error) {
	if _, err := c.registry.Get(id); err != nil {
		return session.Session{}, err
	}
	unlock := c.lockSession(id)
	defer unlock()

	s, err := c.lifecycle.Resume(context.WithoutCancel(ctx), id)
	if err != nil {
		c.cleanupIfFailed(ctx, id)
		return s, err
	}
	c.control.Wake(id)
	return s, nil
}

func (c *Coordinator) cleanupIfFailed(ctx context.Context, id string) {
	s, err := c.registry.Get(id)
	if err != nil || s.Status != session.StatusFailed {
		return
	}
	c.control.Stop(id)
	c.release(id)
	c.metrics.RecordSession(ctx, "failed", "runtime")
}

// PauseAI stops the autonomous loop from acting on a running session.
func (c *Coordinator) PauseAI(ctx context.Context, id string) (session.Session, error) {
	return c.control.Pause(ctx, id)
}

// ResumeAI hands a running session back to the autonomous loop.
func (c *Coordinator) ResumeAI(ctx context.Context, id string) (session.Session, error) {
	return c.control.Resume(ctx, id)
}

// TakeOver grants a human operator exclusive control of a running session.
func (c *Coordinator) TakeOver(ctx context.Context, id string) (session.Session, error) {
	return c.control.TakeOver(ctx, id)
}

// InjectInstructions queues text for the session's control loop.
func (c *Coordinator) InjectInstructions(ctx context.Context, id, text string) (session.Session, error) {
	return c.control.Inject(ctx, id, text)
}

// GetSession returns a snapshot of one session.
func (c *Coordinator) GetSession(_ context.Context, id string) (session.Session, error) {
	return c.registry.Get(id)
}

// ListSessions returns snapshots of all known sessions, oldest first.
func (c *Coordinator) ListSessions(_ context.Context) []session.Session {
	return c.registry.List()
}

// ActiveCount returns how many sessions occupy a slot.
func (c *Coordinator) ActiveCount() int {
	return c.registry.CountActive()
}

// HandleCrash is the reconciler's CrashFunc. The session is already failed;
// this stops its loop, frees its ports and removes what is left of the
// container.
func (c *Coordinator) HandleCrash(ctx context.Context, prev session.Session) {
	unlock := c.lockSession(prev.ID)
	defer unlock()

	c.control.Stop(prev.ID)
	c.release(prev.ID)
	c.metrics.RecordSession(ctx, "failed", "crash")

	if prev.ContainerID == "" {
		return
	}
	if err := c.lifecycle.ForceRemove(ctx, prev.ContainerID); err != nil {
		return
	}
	_, err := c.registry.Update(prev.ID, func(s *session.Session) error {
		if s.ContainerID != prev.ContainerID {
			return ErrNoChange
		}
		s.ContainerID = ""
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.WarnContext(ctx, "clear container handle", "session_id", prev.ID, "error", err)
	}
}

// Recover reloads archived sessions at startup. Sessions that were live when
// the previous process exited are marked failed and their containers removed;
// their ports were never allocated in this process.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	archived, err := c.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover sessions: %w", err)
	}

	recovered := 0
	for i := range archived {
		s := archived[i]
		if s.Live() {
			handle := s.ContainerID
			if handle == "" {
				handle = ContainerName(s.ID)
			}
			removeErr := c.lifecycle.ForceRemove(ctx, handle)

			s.Status = session.StatusFailed
			s.Error = "orchestrator restarted"
			s.Ports = nil
			if removeErr == nil {
				s.ContainerID = ""
			}
			s.Version++
			s.UpdatedAt = time.Now().UTC()
			if err := c.store.Save(ctx, &s); err != nil {
				slog.WarnContext(ctx, "archive recovered session", "session_id", s.ID, "error", err)
			}
			recovered++
		}
		c.registry.Restore(s)
	}
	if recovered > 0 {
		slog.InfoContext(ctx, "recovered sessions from previous run", "count", recovered)
	}
	return recovered, nil
}

// Shutdown stops every control loop and, if configured, terminates every
// live session.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.control.StopAll()
	if !c.cfg.TerminateOnShutdown {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ShutdownParallelism)
	for _, s := range c.registry.List() {
		if !s.Live() {
			continue
		}
		id := s.ID
		g.Go(func() error {
			if _, err := c.TerminateSession(gctx, id); err != nil {
				slog.ErrorContext(gctx, "terminate on shutdown", "session_id", id, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
