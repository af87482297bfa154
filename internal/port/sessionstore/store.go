// Package sessionstore defines the archive of session snapshots that
// survives orchestrator restarts.
package sessionstore

import (
	"context"

	"github.com/Strob0t/agentdesk/internal/domain/session"
)

// Store persists session snapshots. Save is an upsert that ignores
// snapshots older than the stored version.
type Store interface {
	Save(ctx context.Context, s *session.Session) error
	List(ctx context.Context) ([]session.Session, error)
	Close()
}
