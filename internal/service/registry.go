package service

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/agentdesk/internal/domain"
	"github.com/Strob0t/agentdesk/internal/domain/session"
)

// ErrNoChange may be returned by an Update mutator to leave the record as is.
var ErrNoChange = errors.New("no change")

// ChangeFunc observes a committed change. It runs while the record is still
// locked, so it must not call back into the registry.
type ChangeFunc func(prev, next session.Session)

type record struct {
	mu      sync.Mutex
	s       session.Session
	removed bool
}

// Registry is the authoritative in-memory store of sessions. The map is
// guarded by an RWMutex; each record has its own mutex so independent
// sessions never contend.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*record
	onChange ChangeFunc
	now      func() time.Time
	newID    func() string
}

// NewRegistry creates an empty Registry. onChange may be nil.
func NewRegistry(onChange ChangeFunc) *Registry {
	return &Registry{
		records:  make(map[string]*record),
		onChange: onChange,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Create inserts a pending session. A non-empty initial instruction is queued.
func (r *Registry) Create(req session.CreateRequest, objective string) session.Session {
	now := r.now().UTC()
	s := session.Session{
		ID:           r.newID(),
		Name:         req.Name,
		Status:       session.StatusPending,
		ControlMode:  session.ModeActive,
		Objective:    objective,
		Instructions: []string{},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Instructions != "" {
		s.Instructions = append(s.Instructions, req.Instructions)
	}

	rec := &record{s: s}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	r.mu.Lock()
	r.records[s.ID] = rec
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange(session.Session{}, s.Clone())
	}
	return s.Clone()
}

// Restore inserts a snapshot verbatim, keeping its id and version. Used to
// reload archived sessions at startup.
func (r *Registry) Restore(s session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[s.ID]; exists {
		return
	}
	r.records[s.ID] = &record{s: s.Clone()}
}

func (r *Registry) lookup(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (session.Session, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return session.Session{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return session.Session{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return rec.s.Clone(), nil
}

// Update applies fn to a copy of the record under the record's lock and
// commits it if the status move is legal and the invariants hold.
func (r *Registry) Update(id string, fn func(s *session.Session) error) (session.Session, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return session.Session{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return session.Session{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}

	next := rec.s.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return rec.s.Clone(), nil
		}
		return session.Session{}, err
	}

	prev := rec.s
	if next.ID != prev.ID || !next.CreatedAt.Equal(prev.CreatedAt) {
		return session.Session{}, fmt.Errorf("session %s: identity fields are immutable: %w", id, domain.ErrValidation)
	}
	if !session.CanTransition(prev.Status, next.Status) {
		return session.Session{}, fmt.Errorf("session %s: %s -> %s: %w", id, prev.Status, next.Status, domain.ErrInvalidTransition)
	}
	if err := next.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}

	next.Version = prev.Version + 1
	next.UpdatedAt = r.now().UTC()
	rec.s = next

	if r.onChange != nil {
		r.onChange(prev.Clone(), next.Clone())
	}
	return next.Clone(), nil
}

// Remove deletes a terminal session. Live sessions cannot be removed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.s.Live() {
		return fmt.Errorf("session %s is %s: %w", id, rec.s.Status, domain.ErrConflict)
	}
	rec.removed = true
	delete(r.records, id)
	return nil
}

// PruneTerminal removes terminal sessions last updated before cutoff and
// returns how many were dropped.
func (r *Registry) PruneTerminal(cutoff time.Time) int {
	n := 0
	for _, s := range r.List() {
		if s.Status.Terminal() && s.UpdatedAt.Before(cutoff) {
			if r.Remove(s.ID) == nil {
				n++
			}
		}
	}
	return n
}

// CountActive returns the number of sessions occupying a concurrency slot.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		rec.mu.Lock()
		if rec.s.Status.OccupiesSlot() {
			n++
		}
		rec.mu.Unlock()
	}
	return n
}

// List returns snapshots ordered by creation time, then id.
func (r *Registry) List() []session.Session {
	r.mu.RLock()
	out := make([]session.Session, 0, len(r.records))
	for _, rec := range r.records {
		rec.mu.Lock()
		out = append(out, rec.s.Clone())
		rec.mu.Unlock()
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b session.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
