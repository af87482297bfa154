package service

import (
	"context"

	"github.com/Strob0t/agentdesk/internal/port/notifier"
	"github.com/Strob0t/agentdesk/internal/port/sessionstore"
)

// ArchiveNotifier writes every session snapshot to the archive store so
// sessions can be recovered after a restart.
type ArchiveNotifier struct {
	store sessionstore.Store
}

// NewArchiveNotifier creates an ArchiveNotifier.
func NewArchiveNotifier(store sessionstore.Store) *ArchiveNotifier {
	return &ArchiveNotifier{store: store}
}

// Name implements notifier.Notifier.
func (a *ArchiveNotifier) Name() string { return "archive" }

// Notify implements notifier.Notifier. Only session_update events carry a
// snapshot.
func (a *ArchiveNotifier) Notify(ctx context.Context, ev notifier.Event) error {
	if ev.Type != notifier.EventSessionUpdate || ev.Session == nil {
		return nil
	}
	return a.store.Save(ctx, ev.Session)
}
