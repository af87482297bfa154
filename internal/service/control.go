package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cfotel "github.com/Strob0t/agentdesk/internal/adapter/otel"
	"github.com/Strob0t/agentdesk/internal/domain"
	"github.com/Strob0t/agentdesk/internal/domain/control"
	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/logger"
	"github.com/Strob0t/agentdesk/internal/port/display"
)

// ControlConfig tunes the autonomous control loop.
type ControlConfig struct {
	TickInterval   time.Duration
	ObserveTimeout time.Duration
	ApplyTimeout   time.Duration
	CallTimeout    time.Duration
}

// loop is the single goroutine driving one session.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

// ControlService owns the per-session control mode state machine and the
// autonomous loop goroutines.
type ControlService struct {
	registry *Registry
	decider  Decider
	display  display.Driver
	cfg      ControlConfig
	metrics  *cfotel.Metrics

	mu    sync.Mutex
	loops map[string]*loop
}

// NewControlService creates a ControlService. A nil driver observes nothing.
func NewControlService(reg *Registry, decider Decider, drv display.Driver, cfg ControlConfig) *ControlService {
	if drv == nil {
		drv = display.Nop{}
	}
	return &ControlService{
		registry: reg,
		decider:  decider,
		display:  drv,
		cfg:      cfg,
		loops:    make(map[string]*loop),
	}
}

// SetMetrics attaches a metrics recorder.
func (c *ControlService) SetMetrics(m *cfotel.Metrics) { c.metrics = m }

// Pause stops the autonomous loop from acting: active -> paused.
// Pausing a paused session is a no-op.
func (c *ControlService) Pause(_ context.Context, id string) (session.Session, error) {
	return c.switchMode(id, session.ModePaused, "pause")
}

// Resume hands control back to the autonomous loop and wakes it.
func (c *ControlService) Resume(_ context.Context, id string) (session.Session, error) {
	s, err := c.switchMode(id, session.ModeActive, "resume")
	if err == nil {
		c.Wake(id)
	}
	return s, err
}

// TakeOver grants control to a human operator.
func (c *ControlService) TakeOver(_ context.Context, id string) (session.Session, error) {
	return c.switchMode(id, session.ModeManualOverride, "take over")
}

func (c *ControlService) switchMode(id string, to session.ControlMode, op string) (session.Session, error) {
	return c.registry.Update(id, func(s *session.Session) error {
		if s.Status != session.StatusRunning {
			return fmt.Errorf("%s session %s in status %s: %w", op, s.ID, s.Status, domain.ErrInvalidTransition)
		}
		if s.ControlMode == to {
			return ErrNoChange
		}
		if !session.CanSwitch(s.ControlMode, to) {
			return fmt.Errorf("%s session %s: %s -> %s: %w", op, s.ID, s.ControlMode, to, domain.ErrInvalidTransition)
		}
		s.ControlMode = to
		if to == session.ModeActive {
			s.DegradedReason = ""
		}
		return nil
	})
}

// Inject appends an instruction to the session queue in any control mode.
// The loop sees it on its next iteration if active, otherwise after resume.
func (c *ControlService) Inject(_ context.Context, id, text string) (session.Session, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return session.Session{}, fmt.Errorf("instructions are required: %w", domain.ErrValidation)
	}
	s, err := c.registry.Update(id, func(s *session.Session) error {
		if s.Status.Terminal() {
			return fmt.Errorf("inject into session %s in status %s: %w", s.ID, s.Status, domain.ErrInvalidTransition)
		}
		s.Instructions = append(s.Instructions, text)
		return nil
	})
	if err == nil {
		c.Wake(id)
	}
	return s, err
}

// Degrade forces manual_override after the connector gave up. Lifecycle
// status and container are left alone.
func (c *ControlService) Degrade(ctx context.Context, id, reason string) (session.Session, error) {
	s, err := c.registry.Update(id, func(s *session.Session) error {
		if s.Status != session.StatusRunning {
			return ErrNoChange
		}
		s.ControlMode = session.ModeManualOverride
		s.DegradedReason = reason
		return nil
	})
	if err == nil {
		slog.WarnContext(ctx, "control degraded to manual override", "session_id", id, "reason", reason)
	}
	return s, err
}

// Start launches the loop goroutine of a session. Starting twice is a no-op.
func (c *ControlService) Start(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.loops[id]; ok {
		return
	}

	ctx, cancel := context.WithCancel(logger.WithSessionID(context.Background(), id))
	l := &loop{cancel: cancel, done: make(chan struct{}), wake: make(chan struct{}, 1)}
	c.loops[id] = l
	go c.run(ctx, id, l)
}

// Stop cancels the loop of a session and waits until it has exited. An
// action already requested from the connector is applied first.
func (c *ControlService) Stop(id string) {
	c.mu.Lock()
	l, ok := c.loops[id]
	delete(c.loops, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	<-l.done
	c.display.Detach(id)
}

// StopAll stops every running loop.
func (c *ControlService) StopAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.loops))
	for id := range c.loops {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Stop(id)
	}
}

// Wake nudges a session's loop to iterate now. Signals coalesce.
func (c *ControlService) Wake(id string) {
	c.mu.Lock()
	l, ok := c.loops[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Running reports whether a loop goroutine exists for the session.
func (c *ControlService) Running(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loops[id]
	return ok
}

func (c *ControlService) run(ctx context.Context, id string, l *loop) {
	defer close(l.done)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-ticker.C:
		}
		c.step(ctx, id)
	}
}

// step runs one observe-decide-apply iteration.
func (c *ControlService) step(ctx context.Context, id string) {
	s, err := c.registry.Get(id)
	if err != nil {
		return
	}
	if s.Status != session.StatusRunning || s.ControlMode != session.ModeActive {
		return
	}
	target := display.Target{SessionID: s.ID, ContainerName: s.ContainerName}

	octx, cancel := context.WithTimeout(ctx, c.cfg.ObserveTimeout)
	obs, err := c.display.Observe(octx, target)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "observe failed", "error", err)
		return
	}

	pending := s.Instructions
	dc := control.DecisionContext{
		SessionID:        s.ID,
		Objective:        s.Objective,
		Instructions:     pending,
		Observation:      obs,
		AvailableActions: c.display.Actions(),
	}

	// From here on cancellation is deferred: the decision and its
	// application run to completion or until their own timeouts.
	detached := context.WithoutCancel(ctx)

	dctx, cancel := context.WithTimeout(detached, c.cfg.CallTimeout)
	action, err := c.decider.Decide(dctx, dc)
	cancel()
	if err != nil {
		_, _ = c.Degrade(detached, id, err.Error())
		return
	}

	actx, cancel := context.WithTimeout(detached, c.cfg.ApplyTimeout)
	err = c.display.Apply(actx, target, action)
	cancel()
	c.metrics.RecordAction(detached, string(action.Type), err)
	if err != nil {
		slog.WarnContext(ctx, "apply action failed", "action", action.Summary(), "error", err)
		return
	}

	now := time.Now().UTC()
	_, err = c.registry.Update(id, func(s *session.Session) error {
		consumed := min(len(pending), len(s.Instructions))
		if consumed > 0 {
			s.Objective = pending[consumed-1]
			s.Instructions = s.Instructions[consumed:]
		}
		s.LastAction = action.Summary()
		s.LastActionAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.WarnContext(ctx, "record action failed", "error", err)
	}
	slog.DebugContext(ctx, "action applied", "action", action.Summary(), "reasoning", action.Reasoning)
}
