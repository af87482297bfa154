package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/agentdesk/internal/config"
	"github.com/Strob0t/agentdesk/internal/domain"
	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/portalloc"
)

type coordFixture struct {
	coord *Coordinator
	reg   *Registry
	rt    *fakeRuntime
	ports *portalloc.Allocator
	ctl   *ControlService
	dec   *fakeDecider
}

func newCoordFixture(t *testing.T, maxSessions int, display, web config.PortRange) *coordFixture {
	t.Helper()
	rt := newFakeRuntime()
	reg := NewRegistry(nil)
	ports := portalloc.New(display, web)
	dec := &fakeDecider{}
	ctl := NewControlService(reg, dec, &fakeDisplay{}, testControlConfig())
	lc := NewLifecycleService(rt, reg, testLifecycleConfig())
	coord := NewCoordinator(CoordinatorConfig{
		MaxSessions:         maxSessions,
		DefaultObjective:    "browse",
		TerminateOnShutdown: true,
	}, reg, ports, lc, ctl, nil)
	t.Cleanup(ctl.StopAll)
	return &coordFixture{coord: coord, reg: reg, rt: rt, ports: ports, ctl: ctl, dec: dec}
}

func scenarioFixture(t *testing.T) *coordFixture {
	return newCoordFixture(t, 2,
		config.PortRange{Start: 9001, End: 9002},
		config.PortRange{Start: 9101, End: 9102})
}

func TestCoordinator_CapAndPortReuseScenario(t *testing.T) {
	f := scenarioFixture(t)
	ctx := context.Background()

	a, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if *a.Ports != (session.PortPair{Display: 9001, Web: 9101}) {
		t.Fatalf("A: expected 9001/9101, got %+v", *a.Ports)
	}
	if a.Status != session.StatusRunning || !f.ctl.Running(a.ID) {
		t.Fatalf("A: expected running with a control loop, got %s", a.Status)
	}

	b, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "B"})
	if err != nil {
		t.Fatal(err)
	}
	if *b.Ports != (session.PortPair{Display: 9002, Web: 9102}) {
		t.Fatalf("B: expected 9002/9102, got %+v", *b.Ports)
	}

	before := len(f.reg.List())
	if _, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "C"}); !errors.Is(err, domain.ErrConcurrencyLimit) {
		t.Fatalf("C: expected ErrConcurrencyLimit, got %v", err)
	}
	if len(f.reg.List()) != before {
		t.Fatal("rejected create must leave no record behind")
	}

	if _, err := f.coord.TerminateSession(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if f.ctl.Running(a.ID) {
		t.Error("terminate must stop the control loop")
	}

	c, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "C"})
	if err != nil {
		t.Fatalf("C after terminate: %v", err)
	}
	if *c.Ports != (session.PortPair{Display: 9001, Web: 9101}) {
		t.Fatalf("C: expected reused 9001/9101, got %+v", *c.Ports)
	}
}

func TestCoordinator_ConcurrentCreatesRespectCap(t *testing.T) {
	f := newCoordFixture(t, 3,
		config.PortRange{Start: 7001, End: 7010},
		config.PortRange{Start: 8001, End: 8010})

	var ok, limited atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.coord.CreateSession(context.Background(), session.CreateRequest{Name: "racer"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrConcurrencyLimit):
				limited.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
			if n := f.reg.CountActive(); n > 3 {
				t.Errorf("cap exceeded: %d active", n)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != 3 || limited.Load() != 17 {
		t.Fatalf("expected 3 created and 17 rejected, got %d and %d", ok.Load(), limited.Load())
	}
	if free := f.ports.FreePairs(); free != 7 {
		t.Errorf("expected 7 free pairs, got %d", free)
	}
}

func TestCoordinator_PoolExhaustedHasNoSideEffects(t *testing.T) {
	// Cap allows three sessions but only two pairs exist.
	f := newCoordFixture(t, 3,
		config.PortRange{Start: 9001, End: 9002},
		config.PortRange{Start: 9101, End: 9102})
	ctx := context.Background()

	for range 2 {
		if _, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "y"}); !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if n := len(f.reg.List()); n != 2 {
		t.Errorf("expected 2 records, got %d", n)
	}
	if n := f.rt.count(); n != 2 {
		t.Errorf("expected 2 containers, got %d", n)
	}
}

func TestCoordinator_TerminateIsIdempotent(t *testing.T) {
	f := scenarioFixture(t)
	ctx := context.Background()

	s, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "A"})
	if err != nil {
		t.Fatal(err)
	}
	first, err := f.coord.TerminateSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.coord.TerminateSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("second terminate should succeed, got %v", err)
	}
	if first.Status != session.StatusTerminated || second.Status != first.Status || second.Version != first.Version {
		t.Errorf("expected identical terminal state, got %s v%d and %s v%d",
			first.Status, first.Version, second.Status, second.Version)
	}

	// A double release would corrupt the pool; both pairs must be free exactly once.
	snap := f.ports.Snapshot()
	if !slices.Equal(snap.DisplayFree, []int{9001, 9002}) || len(snap.DisplayAllocated) != 0 {
		t.Errorf("unexpected pool state %+v", snap)
	}

	if _, err := f.coord.TerminateSession(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCoordinator_ProvisionTimeoutCleansUp(t *testing.T) {
	f := scenarioFixture(t)
	f.rt.hangProvision = true
	f.coord.lifecycle.cfg.ProvisionTimeout = 20 * time.Millisecond

	s, err := f.coord.CreateSession(context.Background(), session.CreateRequest{Name: "slow"})
	if !errors.Is(err, domain.ErrOperationTimeout) {
		t.Fatalf("expected ErrOperationTimeout, got %v", err)
	}
	if s.Status != session.StatusFailed {
		t.Fatalf("expected failed, got %s", s.Status)
	}

	got, err := f.coord.GetSession(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusFailed || got.Ports != nil || got.ContainerID != "" {
		t.Errorf("expected failed record without ports or container, got %+v", got)
	}
	if free := f.ports.FreePairs(); free != 2 {
		t.Errorf("expected ports back in the pool, %d pairs free", free)
	}
	if f.ctl.Running(s.ID) {
		t.Error("failed session must not have a control loop")
	}
	if f.reg.CountActive() != 0 {
		t.Error("failed session must not occupy a slot")
	}
}

func TestCoordinator_StartFailureCleansUp(t *testing.T) {
	f := scenarioFixture(t)
	f.rt.startErr = errors.New("port already in use")

	_, err := f.coord.CreateSession(context.Background(), session.CreateRequest{Name: "broken"})
	if !errors.Is(err, domain.ErrProvisionFailed) {
		t.Fatalf("expected ErrProvisionFailed, got %v", err)
	}
	if f.rt.count() != 0 {
		t.Errorf("expected created container to be removed, %d left", f.rt.count())
	}
	if free := f.ports.FreePairs(); free != 2 {
		t.Errorf("expected all pairs free, got %d", free)
	}
}

func TestCoordinator_ControlPassThrough(t *testing.T) {
	f := scenarioFixture(t)
	ctx := context.Background()
	s, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "A", Instructions: "start here"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.coord.PauseAI(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	got, err := f.coord.InjectInstructions(ctx, s.ID, "then here")
	if err != nil {
		t.Fatal(err)
	}
	if got.ControlMode != session.ModePaused {
		t.Errorf("expected paused, got %s", got.ControlMode)
	}
	if _, err := f.coord.TakeOver(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.ResumeAI(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.PauseAI(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if n := len(f.coord.ListSessions(ctx)); n != 1 {
		t.Errorf("expected 1 session, got %d", n)
	}
}

func TestCoordinator_SuspendUnsuspend(t *testing.T) {
	f := scenarioFixture(t)
	ctx := context.Background()
	s, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "A"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.coord.SuspendSession(ctx, s.ID)
	if err != nil || got.Status != session.StatusPaused {
		t.Fatalf("suspend: %v %s", err, got.Status)
	}
	if f.reg.CountActive() != 1 {
		t.Error("a suspended session keeps its slot")
	}
	// Control mode switches need a running container.
	if _, err := f.coord.PauseAI(ctx, s.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition while suspended, got %v", err)
	}

	got, err = f.coord.UnsuspendSession(ctx, s.ID)
	if err != nil || got.Status != session.StatusRunning {
		t.Fatalf("unsuspend: %v %s", err, got.Status)
	}
}

func TestCoordinator_SuspendFailureReleasesPorts(t *testing.T) {
	f := scenarioFixture(t)
	ctx := context.Background()
	s, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "A"})
	if err != nil {
		t.Fatal(err)
	}

	f.rt.pauseErr = errors.New("freeze failed")
	if _, err := f.coord.SuspendSession(ctx, s.ID); err == nil {
		t.Fatal("expected suspend error")
	}
	if f.ports.FreePairs() != 2 {
		t.Errorf("failed session must give its ports back")
	}
	if f.ctl.Running(s.ID) {
		t.Error("failed session must not keep its control loop")
	}
}

func TestCoordinator_CrashIsReconciled(t *testing.T) {
	f := scenarioFixture(t)
	ctx := context.Background()
	s, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: "A"})
	if err != nil {
		t.Fatal(err)
	}

	rec := NewReconciler(f.reg, f.rt, f.coord.HandleCrash, ReconcilerConfig{Interval: time.Hour})
	if n := rec.ReconcileOnce(ctx); n != 0 {
		t.Fatalf("healthy container reported as failed (%d)", n)
	}

	f.rt.kill(s.ContainerID)
	if n := rec.ReconcileOnce(ctx); n != 1 {
		t.Fatalf("expected 1 failed session, got %d", n)
	}

	got, _ := f.reg.Get(s.ID)
	if got.Status != session.StatusFailed || got.Ports != nil || got.ContainerID != "" {
		t.Errorf("unexpected record after crash %+v", got)
	}
	if f.ports.FreePairs() != 2 {
		t.Error("crashed session must give its ports back")
	}
	if f.ctl.Running(s.ID) {
		t.Error("crashed session must not keep its control loop")
	}
	// Terminating afterwards stays a no-op.
	if _, err := f.coord.TerminateSession(ctx, s.ID); err != nil {
		t.Errorf("terminate after crash: %v", err)
	}
	if f.ports.FreePairs() != 2 {
		t.Error("terminate after crash must not release twice")
	}
}

func TestCoordinator_Shutdown(t *testing.T) {
	f := scenarioFixture(t)
	ctx := context.Background()
	for _, name := range []string{"A", "B"} {
		if _, err := f.coord.CreateSession(ctx, session.CreateRequest{Name: name}); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.coord.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	for _, s := range f.coord.ListSessions(ctx) {
		if s.Status != session.StatusTerminated {
			t.Errorf("session %s left in %s", s.Name, s.Status)
		}
	}
	if f.rt.count() != 0 {
		t.Errorf("expected no containers after shutdown, got %d", f.rt.count())
	}
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]session.Session
}

func (m *memStore) Save(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID]; ok && cur.Version > s.Version {
		return nil
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) List(context.Context) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *memStore) Close() {}

func TestCoordinator_Recover(t *testing.T) {
	rt := newFakeRuntime()
	store := &memStore{sessions: map[string]session.Session{}}
	now := time.Now().UTC()
	store.sessions["live"] = session.Session{
		ID: "live", Name: "live", Status: session.StatusRunning, ControlMode: session.ModeActive,
		Ports: &session.PortPair{Display: 5901, Web: 6901}, ContainerID: "c-live",
		Instructions: []string{}, Version: 4, CreatedAt: now, UpdatedAt: now,
	}
	store.sessions["done"] = session.Session{
		ID: "done", Name: "done", Status: session.StatusTerminated, ControlMode: session.ModeActive,
		Instructions: []string{}, Version: 7, CreatedAt: now, UpdatedAt: now,
	}

	reg := NewRegistry(nil)
	lc := NewLifecycleService(rt, reg, testLifecycleConfig())
	ctl := NewControlService(reg, &fakeDecider{}, nil, testControlConfig())
	coord := NewCoordinator(CoordinatorConfig{MaxSessions: 2}, reg, portalloc.New(
		config.PortRange{Start: 5901, End: 5902}, config.PortRange{Start: 6901, End: 6902}), lc, ctl, store)

	n, err := coord.Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered session, got %d", n)
	}

	live, err := reg.Get("live")
	if err != nil {
		t.Fatal(err)
	}
	if live.Status != session.StatusFailed || live.Ports != nil || live.Version != 5 {
		t.Errorf("unexpected recovered record %+v", live)
	}
	if !slices.Contains(rt.terminated, "c-live") {
		t.Errorf("expected stale container removal, got %v", rt.terminated)
	}
	if archived := store.sessions["live"]; archived.Status != session.StatusFailed {
		t.Errorf("archive not updated, got %s", archived.Status)
	}
	if _, err := reg.Get("done"); err != nil {
		t.Errorf("terminal session should be restored: %v", err)
	}
	if reg.CountActive() != 0 {
		t.Errorf("recovered sessions must not occupy slots")
	}
}

// A terminate that arrives as soon as the record is visible waits for the
// create to finish instead of failing it halfway.
func TestCoordinator_TerminateDuringCreateWaits(t *testing.T) {
	rt := newFakeRuntime()
	ports := portalloc.New(config.PortRange{Start: 9001, End: 9002}, config.PortRange{Start: 9101, End: 9102})

	var coord *Coordinator
	terminated := make(chan error, 1)
	reg := NewRegistry(func(prev, next session.Session) {
		if prev.ID == "" {
			go func() {
				_, err := coord.TerminateSession(context.Background(), next.ID)
				terminated <- err
			}()
		}
	})
	ctl := NewControlService(reg, &fakeDecider{}, &fakeDisplay{}, testControlConfig())
	t.Cleanup(ctl.StopAll)
	lc := NewLifecycleService(rt, reg, testLifecycleConfig())
	coord = NewCoordinator(CoordinatorConfig{MaxSessions: 2, DefaultObjective: "browse"}, reg, ports, lc, ctl, nil)

	s, err := coord.CreateSession(context.Background(), session.CreateRequest{Name: "raced"})
	if err != nil {
		t.Fatalf("create failed under a concurrent terminate: %v", err)
	}
	if s.Status != session.StatusRunning {
		t.Fatalf("expected running, got %s", s.Status)
	}

	select {
	case err := <-terminated:
		if err != nil {
			t.Fatalf("terminate: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminate never completed")
	}

	got, err := reg.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusTerminated {
		t.Errorf("expected terminated after the queued terminate, got %s", got.Status)
	}
	if ports.FreePairs() != 2 {
		t.Errorf("expected both pairs free, got %d", ports.FreePairs())
	}
	if ctl.Running(s.ID) {
		t.Error("control loop still running after terminate")
	}
}
