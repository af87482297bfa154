package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/agentdesk/internal/domain/session"
)

// Store implements sessionstore.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save upserts the snapshot. Rows already at or past s.Version are left alone.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, name, status, control_mode, version, snapshot, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   status = EXCLUDED.status,
		   control_mode = EXCLUDED.control_mode,
		   version = EXCLUDED.version,
		   snapshot = EXCLUDED.snapshot,
		   updated_at = EXCLUDED.updated_at
		 WHERE sessions.version < EXCLUDED.version`,
		sess.ID, sess.Name, string(sess.Status), string(sess.ControlMode), sess.Version, data,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// List returns every archived snapshot ordered by creation time.
func (s *Store) List(ctx context.Context) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT snapshot FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess session.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Ping checks the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
