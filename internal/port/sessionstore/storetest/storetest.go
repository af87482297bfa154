// Package storetest provides a compliance suite shared by every
// sessionstore.Store implementation.
package storetest

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/port/sessionstore"
)

func snapshot(id string, version int, status session.Status) session.Session {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := session.Session{
		ID:           id,
		Name:         "desk-" + id,
		Status:       status,
		ControlMode:  session.ModeActive,
		Objective:    "browse",
		Instructions: []string{"a", "b"},
		Version:      version,
		CreatedAt:    now,
		UpdatedAt:    now.Add(time.Duration(version) * time.Second),
	}
	if status.HoldsPorts() {
		s.Ports = &session.PortPair{Display: 5901, Web: 6901}
		s.ContainerID = "c-" + id
	}
	return s
}

// Run exercises a fresh, empty store.
func Run(t *testing.T, store sessionstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("SaveAndList", func(t *testing.T) {
		s := snapshot("s-list", 1, session.StatusRunning)
		if err := store.Save(ctx, &s); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got := find(t, store, "s-list")
		if got.Status != session.StatusRunning || got.Ports == nil || *got.Ports != *s.Ports {
			t.Errorf("unexpected snapshot %+v", got)
		}
		if !slices.Equal(got.Instructions, s.Instructions) {
			t.Errorf("instructions: got %v, want %v", got.Instructions, s.Instructions)
		}
		if !got.UpdatedAt.Equal(s.UpdatedAt) {
			t.Errorf("updated_at: got %v, want %v", got.UpdatedAt, s.UpdatedAt)
		}
	})

	t.Run("NewerVersionWins", func(t *testing.T) {
		v1 := snapshot("s-ver", 1, session.StatusRunning)
		v3 := snapshot("s-ver", 3, session.StatusTerminated)
		v2 := snapshot("s-ver", 2, session.StatusPaused)
		for _, s := range []*session.Session{&v1, &v3, &v2} {
			if err := store.Save(ctx, s); err != nil {
				t.Fatalf("Save v%d: %v", s.Version, err)
			}
		}
		got := find(t, store, "s-ver")
		if got.Version != 3 || got.Status != session.StatusTerminated {
			t.Errorf("stale snapshot overwrote newer one: %+v", got)
		}
	})
}

func find(t *testing.T, store sessionstore.Store, id string) session.Session {
	t.Helper()
	all, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, s := range all {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("session %s not listed", id)
	return session.Session{}
}
