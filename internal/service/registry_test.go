package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentdesk/internal/domain"
	"github.com/Strob0t/agentdesk/internal/domain/session"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	var events []session.Session
	reg := NewRegistry(func(_, next session.Session) { events = append(events, next) })

	s := reg.Create(session.CreateRequest{Name: "alpha", Instructions: "open example.com"}, "browse")
	if s.Status != session.StatusPending || s.ControlMode != session.ModeActive {
		t.Fatalf("unexpected initial state %s/%s", s.Status, s.ControlMode)
	}
	if s.Version != 1 {
		t.Errorf("expected version 1, got %d", s.Version)
	}
	if len(s.Instructions) != 1 || s.Instructions[0] != "open example.com" {
		t.Errorf("expected initial instruction queued, got %v", s.Instructions)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 change event, got %d", len(events))
	}

	got, err := reg.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "alpha" || got.Objective != "browse" {
		t.Errorf("unexpected snapshot %+v", got)
	}

	if _, err := reg.Get("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_UpdateRejectsIllegalTransition(t *testing.T) {
	reg := NewRegistry(nil)
	s := reg.Create(session.CreateRequest{Name: "a"}, "")

	_, err := reg.Update(s.ID, func(s *session.Session) error {
		s.Status = session.StatusRunning
		return nil
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pending -> running should fail with ErrInvalidTransition, got %v", err)
	}

	got, _ := reg.Get(s.ID)
	if got.Status != session.StatusPending || got.Version != 1 {
		t.Errorf("rejected update must not be committed, got %s v%d", got.Status, got.Version)
	}
}

func TestRegistry_UpdateRejectsPortInvariant(t *testing.T) {
	reg := NewRegistry(nil)
	s := reg.Create(session.CreateRequest{Name: "a"}, "")

	_, err := reg.Update(s.ID, func(s *session.Session) error {
		s.Status = session.StatusProvisioning
		return nil
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("provisioning without ports should fail validation, got %v", err)
	}
}

func TestRegistry_NoChangeKeepsVersion(t *testing.T) {
	calls := 0
	reg := NewRegistry(func(_, _ session.Session) { calls++ })
	s := reg.Create(session.CreateRequest{Name: "a"}, "")

	got, err := reg.Update(s.ID, func(*session.Session) error { return ErrNoChange })
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 || calls != 1 {
		t.Errorf("ErrNoChange must not commit: version %d, events %d", got.Version, calls)
	}
}

func TestRegistry_SnapshotsDoNotAlias(t *testing.T) {
	reg := NewRegistry(nil)
	s := reg.Create(session.CreateRequest{Name: "a", Instructions: "one"}, "")

	snap, _ := reg.Get(s.ID)
	snap.Instructions[0] = "mutated"

	again, _ := reg.Get(s.ID)
	if again.Instructions[0] != "one" {
		t.Errorf("snapshot mutation leaked into registry: %v", again.Instructions)
	}
}

func TestRegistry_CountActiveAndRemove(t *testing.T) {
	reg := NewRegistry(nil)
	a := runningSession(t, reg, session.PortPair{Display: 9001, Web: 9101})
	b := reg.Create(session.CreateRequest{Name: "b"}, "")

	if n := reg.CountActive(); n != 2 {
		t.Fatalf("expected 2 active, got %d", n)
	}
	if err := reg.Remove(a.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("removing a live session should conflict, got %v", err)
	}

	if _, err := reg.Update(b.ID, func(s *session.Session) error {
		s.Status = session.StatusFailed
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if n := reg.CountActive(); n != 1 {
		t.Fatalf("failed session must free its slot, got %d active", n)
	}
	if err := reg.Remove(b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get(b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected removed session to be gone, got %v", err)
	}
}

func TestRegistry_PruneTerminal(t *testing.T) {
	reg := NewRegistry(nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	old := reg.Create(session.CreateRequest{Name: "old"}, "")
	if _, err := reg.Update(old.ID, func(s *session.Session) error {
		s.Status = session.StatusFailed
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	live := reg.Create(session.CreateRequest{Name: "live"}, "")

	now = now.Add(2 * time.Hour)
	if n := reg.PruneTerminal(now.Add(-time.Hour)); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, err := reg.Get(live.ID); err != nil {
		t.Errorf("live session must survive pruning: %v", err)
	}
}

func TestRegistry_ListOrder(t *testing.T) {
	reg := NewRegistry(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	reg.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first := reg.Create(session.CreateRequest{Name: "first"}, "")
	second := reg.Create(session.CreateRequest{Name: "second"}, "")
	// Updating the first session must not change the order.
	if _, err := reg.Update(first.ID, func(s *session.Session) error {
		s.Name = "renamed"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	list := reg.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("expected creation order, got %v", []string{list[0].Name, list[1].Name})
	}
}

func TestRegistry_ConcurrentUpdatesAreSerialized(t *testing.T) {
	var mu sync.Mutex
	var versions []int
	reg := NewRegistry(func(_, next session.Session) {
		mu.Lock()
		versions = append(versions, next.Version)
		mu.Unlock()
	})
	s := reg.Create(session.CreateRequest{Name: "a"}, "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Update(s.ID, func(s *session.Session) error {
				s.Instructions = append(s.Instructions, "x")
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := reg.Get(s.ID)
	if len(got.Instructions) != 50 || got.Version != 51 {
		t.Fatalf("expected 50 instructions at version 51, got %d at %d", len(got.Instructions), got.Version)
	}
	for i, v := range versions {
		if v != i+1 {
			t.Fatalf("change events out of order: %v", versions)
		}
	}
}
