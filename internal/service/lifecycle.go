package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	cfotel "github.com/Strob0t/agentdesk/internal/adapter/otel"
	"github.com/Strob0t/agentdesk/internal/domain"
	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/port/containerruntime"
)

// Container ports exposed by the desktop image.
const (
	containerDisplayPort = 5901
	containerWebPort     = 6901
)

// LifecycleConfig holds what goes into every provisioned container and the
// per-call runtime timeouts.
type LifecycleConfig struct {
	Image            string
	Network          string
	AccessPassword   string
	Resolution       string
	PublicHost       string
	ProvisionTimeout time.Duration
	StartTimeout     time.Duration
	PauseTimeout     time.Duration
	TerminateTimeout time.Duration
}

// LifecycleService translates lifecycle intents into container runtime calls
// and records the outcome in the registry. It never releases ports and never
// removes records; both are the coordinator's decision.
type LifecycleService struct {
	runtime  containerruntime.Runtime
	registry *Registry
	cfg      LifecycleConfig
	metrics  *cfotel.Metrics
}

// NewLifecycleService creates a LifecycleService.
func NewLifecycleService(rt containerruntime.Runtime, reg *Registry, cfg LifecycleConfig) *LifecycleService {
	return &LifecycleService{runtime: rt, registry: reg, cfg: cfg}
}

// SetMetrics attaches a metrics recorder.
func (l *LifecycleService) SetMetrics(m *cfotel.Metrics) { l.metrics = m }

// ContainerName derives the deterministic container name of a session so a
// container can be found and removed even if Provision never returned a handle.
func ContainerName(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "agentdesk-" + id
}

func (l *LifecycleService) specFor(s *session.Session) containerruntime.Spec {
	return containerruntime.Spec{
		Name:    ContainerName(s.ID),
		Image:   l.cfg.Image,
		Network: l.cfg.Network,
		Env: map[string]string{
			"VNC_PW":         l.cfg.AccessPassword,
			"VNC_RESOLUTION": l.cfg.Resolution,
		},
		Labels: map[string]string{
			containerruntime.LabelManaged: "true",
			containerruntime.LabelSession: s.ID,
		},
		Ports: []containerruntime.PortBinding{
			{HostPort: s.Ports.Display, ContainerPort: containerDisplayPort},
			{HostPort: s.Ports.Web, ContainerPort: containerWebPort},
		},
	}
}

func (l *LifecycleService) displayURL(p *session.PortPair) string {
	host := l.cfg.PublicHost
	if host == "" {
		host = "localhost"
	}
	return "http://" + host + ":" + strconv.Itoa(p.Web) + "/vnc.html?autoconnect=true"
}

// Provision creates the container of a session in provisioning status and
// records its handle.
func (l *LifecycleService) Provision(ctx context.Context, id string) (session.Session, error) {
	s, err := l.registry.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if s.Status != session.StatusProvisioning || s.Ports == nil {
		return s, fmt.Errorf("provision session %s in status %s: %w", id, s.Status, domain.ErrInvalidTransition)
	}

	spec := l.specFor(&s)
	pctx, cancel := context.WithTimeout(ctx, l.cfg.ProvisionTimeout)
	start := time.Now()
	handle, err := l.runtime.Provision(pctx, spec)
	cancel()
	l.metrics.RecordProvision(ctx, time.Since(start), err)
	if err != nil {
		return l.fail(ctx, id, spec.Name, classify(pctx, "provision", err, domain.ErrProvisionFailed))
	}

	return l.registry.Update(id, func(s *session.Session) error {
		s.ContainerID = handle
		s.ContainerName = spec.Name
		s.DisplayURL = l.displayURL(s.Ports)
		return nil
	})
}

// Start boots a provisioned container and moves the session to running.
func (l *LifecycleService) Start(ctx context.Context, id string) (session.Session, error) {
	s, err := l.registry.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if s.Status != session.StatusProvisioning || s.ContainerID == "" {
		return s, fmt.Errorf("start session %s in status %s: %w", id, s.Status, domain.ErrInvalidTransition)
	}

	sctx, cancel := context.WithTimeout(ctx, l.cfg.StartTimeout)
	err = l.runtime.Start(sctx, s.ContainerID)
	cancel()
	if err != nil {
		return l.fail(ctx, id, s.ContainerID, classify(sctx, "start", err, domain.ErrProvisionFailed))
	}

	return l.registry.Update(id, func(s *session.Session) error {
		s.Status = session.StatusRunning
		return nil
	})
}

// Pause freezes the container: running -> pausing -> paused.
func (l *LifecycleService) Pause(ctx context.Context, id string) (session.Session, error) {
	s, err := l.registry.Update(id, func(s *session.Session) error {
		if s.Status != session.StatusRunning {
			return fmt.Errorf("pause session %s in status %s: %w", s.ID, s.Status, domain.ErrInvalidTransition)
		}
		s.Status = session.StatusPausing
		return nil
	})
	if err != nil {
		return s, err
	}

	pctx, cancel := context.WithTimeout(ctx, l.cfg.PauseTimeout)
	err = l.runtime.Pause(pctx, s.ContainerID)
	cancel()
	if err != nil {
		return l.fail(ctx, id, s.ContainerID, classify(pctx, "pause", err, nil))
	}

	return l.registry.Update(id, func(s *session.Session) error {
		s.Status = session.StatusPaused
		return nil
	})
}

// Resume unfreezes a paused container: paused -> running.
func (l *LifecycleService) Resume(ctx context.Context, id string) (session.Session, error) {
	s, err := l.registry.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if s.Status != session.StatusPaused {
		return s, fmt.Errorf("resume session %s in status %s: %w", id, s.Status, domain.ErrInvalidTransition)
	}

	rctx, cancel := context.WithTimeout(ctx, l.cfg.PauseTimeout)
	err = l.runtime.Resume(rctx, s.ContainerID)
	cancel()
	if err != nil {
		return l.fail(ctx, id, s.ContainerID, classify(rctx, "resume", err, nil))
	}

	return l.registry.Update(id, func(s *session.Session) error {
		s.Status = session.StatusRunning
		return nil
	})
}

// Terminate removes the container and moves the session to terminated.
// On timeout or error the session ends in failed after a forced removal.
func (l *LifecycleService) Terminate(ctx context.Context, id string) (session.Session, error) {
	s, err := l.registry.Update(id, func(s *session.Session) error {
		if s.Status == session.StatusTerminating {
			return ErrNoChange
		}
		s.Status = session.StatusTerminating
		return nil
	})
	if err != nil {
		return s, err
	}

	handle := s.ContainerID
	if handle == "" {
		handle = ContainerName(id)
	}

	tctx, cancel := context.WithTimeout(ctx, l.cfg.TerminateTimeout)
	err = l.runtime.Terminate(tctx, handle)
	cancel()
	if err != nil {
		return l.fail(ctx, id, handle, classify(tctx, "terminate", err, nil))
	}

	return l.registry.Update(id, func(s *session.Session) error {
		s.Status = session.StatusTerminated
		s.Ports = nil
		s.ContainerID = ""
		return nil
	})
}

// ForceRemove is a best-effort container teardown with a fresh timeout that
// ignores cancellation of ctx.
func (l *LifecycleService) ForceRemove(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.TerminateTimeout)
	defer cancel()
	if err := l.runtime.Terminate(fctx, handle); err != nil {
		slog.WarnContext(ctx, "forced container removal failed", "container", handle, "error", err)
		return err
	}
	return nil
}

// fail marks the session failed, force-removes its container and returns
// cause. The ports are cleared from the record; releasing them in the
// allocator is left to the caller.
func (l *LifecycleService) fail(ctx context.Context, id, handle string, cause error) (session.Session, error) {
	slog.ErrorContext(ctx, "container operation failed", "session_id", id, "error", cause)

	if handle == "" {
		handle = ContainerName(id)
	}
	removeErr := l.ForceRemove(ctx, handle)

	s, err := l.registry.Update(id, func(s *session.Session) error {
		if s.Status.Terminal() {
			return ErrNoChange
		}
		s.Status = session.StatusFailed
		s.Error = cause.Error()
		s.Ports = nil
		if removeErr == nil {
			s.ContainerID = ""
		}
		return nil
	})
	if err != nil {
		return s, errors.Join(cause, err)
	}
	return s, cause
}

// classify wraps a runtime error with the timeout sentinel when the call's
// context ran out, otherwise with sentinel (which may be nil).
func classify(callCtx context.Context, op string, err, sentinel error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		if sentinel != nil {
			return fmt.Errorf("%s: %w: %w: %w", op, sentinel, domain.ErrOperationTimeout, err)
		}
		return fmt.Errorf("%s: %w: %w", op, domain.ErrOperationTimeout, err)
	}
	if sentinel != nil {
		return fmt.Errorf("%s: %w: %w", op, sentinel, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
