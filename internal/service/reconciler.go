package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/port/containerruntime"
)

// CrashFunc cleans up after a session whose container vanished. prev is the
// snapshot from before the session was marked failed, so it still carries the
// port pair and container handle.
type CrashFunc func(ctx context.Context, prev session.Session)

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	Interval     time.Duration
	Retention    time.Duration // terminal sessions older than this are pruned; 0 disables
	CallTimeout  time.Duration // per Describe call
	SweepOrphans bool
}

// Reconciler compares runtime-observed container state against the registry.
//
// It polls on a fixed interval and can also be woken up immediately via
// Notify. A session the registry shows as running, pausing or paused whose
// container has exited, died or disappeared is marked failed and handed to
// the crash handler.
type Reconciler struct {
	registry *Registry
	runtime  containerruntime.Runtime
	onCrash  CrashFunc
	cfg      ReconcilerConfig
	notify   chan struct{}
	now      func() time.Time
}

// NewReconciler creates a Reconciler. onCrash may be nil.
func NewReconciler(reg *Registry, rt containerruntime.Runtime, onCrash CrashFunc, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Reconciler{
		registry: reg,
		runtime:  rt,
		onCrash:  onCrash,
		cfg:      cfg,
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Notify wakes the reconciler for an immediate pass. Non-blocking; signals
// coalesce.
func (r *Reconciler) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run sweeps orphans once and then reconciles until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r.cfg.SweepOrphans {
		if n, err := r.SweepOrphans(ctx); err != nil {
			slog.WarnContext(ctx, "reconciler: orphan sweep failed", "error", err)
		} else if n > 0 {
			slog.InfoContext(ctx, "reconciler: removed orphaned containers", "count", n)
		}
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
		case <-ticker.C:
		}
		r.ReconcileOnce(ctx)
	}
}

// ReconcileOnce runs a single pass and returns how many sessions it failed.
func (r *Reconciler) ReconcileOnce(ctx context.Context) int {
	failed := 0
	for _, s := range r.registry.List() {
		if ctx.Err() != nil {
			return failed
		}
		switch s.Status {
		case session.StatusRunning, session.StatusPausing, session.StatusPaused:
		default:
			continue
		}
		if s.ContainerID == "" {
			continue
		}
		if r.check(ctx, s) {
			failed++
		}
	}

	if r.cfg.Retention > 0 {
		if n := r.registry.PruneTerminal(r.now().Add(-r.cfg.Retention)); n > 0 {
			slog.DebugContext(ctx, "reconciler: pruned terminal sessions", "count", n)
		}
	}
	return failed
}

func (r *Reconciler) check(ctx context.Context, s session.Session) bool {
	dctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	st, err := r.runtime.Describe(dctx, s.ContainerID)
	cancel()
	if err != nil {
		slog.WarnContext(ctx, "reconciler: describe failed", "session_id", s.ID, "error", err)
		return false
	}
	if !st.State.Gone() {
		return false
	}

	var prev session.Session
	_, err = r.registry.Update(s.ID, func(cur *session.Session) error {
		// The session may have moved on since the snapshot was taken.
		if cur.ContainerID != s.ContainerID {
			return ErrNoChange
		}
		switch cur.Status {
		case session.StatusRunning, session.StatusPausing, session.StatusPaused:
		default:
			return ErrNoChange
		}
		prev = cur.Clone()
		cur.Status = session.StatusFailed
		cur.Error = "container exited unexpectedly (" + string(st.State) + ")"
		cur.Ports = nil
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "reconciler: mark failed", "session_id", s.ID, "error", err)
		return false
	}
	if prev.ID == "" {
		return false
	}

	slog.WarnContext(ctx, "reconciler: container gone, session failed",
		"session_id", s.ID, "container", s.ContainerID, "state", st.State)
	if r.onCrash != nil {
		r.onCrash(ctx, prev)
	}
	return true
}

// SweepOrphans removes managed containers that no live session owns. It is a
// no-op when the runtime cannot list containers.
func (r *Reconciler) SweepOrphans(ctx context.Context) (int, error) {
	lister, ok := r.runtime.(containerruntime.Lister)
	if !ok {
		return 0, nil
	}
	lctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	containers, err := lister.ListManaged(lctx)
	cancel()
	if err != nil {
		return 0, err
	}

	owned := make(map[string]bool)
	for _, s := range r.registry.List() {
		if s.Live() {
			owned[s.ID] = true
		}
	}

	removed := 0
	for _, c := range containers {
		if owned[c.Labels[containerruntime.LabelSession]] {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		err := r.runtime.Terminate(tctx, c.ID)
		cancel()
		if err != nil {
			slog.WarnContext(ctx, "reconciler: remove orphan failed", "container", c.ID, "error", err)
			continue
		}
		slog.InfoContext(ctx, "reconciler: removed orphaned container", "container", c.ID, "name", c.Name)
		removed++
	}
	return removed, nil
}
