// Package memory provides an in-process sessionstore.Store. Nothing survives
// a restart, so recovery only sees sessions from the current process.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/Strob0t/agentdesk/internal/domain/session"
)

// Store keeps the newest snapshot per session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]session.Session)}
}

// Save stores s unless a newer version is already present.
func (m *Store) Save(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID]; ok && cur.Version >= s.Version {
		return nil
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// List returns all snapshots ordered by creation time.
func (m *Store) List(context.Context) ([]session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	slices.SortFunc(out, func(a, b session.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Close is a no-op.
func (m *Store) Close() {}

