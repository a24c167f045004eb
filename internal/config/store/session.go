package store

import (
	"context"
	"database/sql"
	"errors"
)

// SaveSessionSnapshot replaces the persisted session payload. The
// payload is an opaque JSON document owned by the window manager.
func (s *Store) SaveSessionSnapshot(ctx context.Context, payload string) error {
	if err := s.requireWritable("save session"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_snapshot (id, payload, saved_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		payload)
	return err
}

// LoadSessionSnapshot returns the persisted session payload.
func (s *Store) LoadSessionSnapshot(ctx context.Context) (string, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM session_snapshot WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", NotFoundError{Entity: "session snapshot"}
	}
	if err != nil {
		return "", err
	}
	return payload, nil
}

// ClearSessionSnapshot removes the persisted session.
func (s *Store) ClearSessionSnapshot(ctx context.Context) error {
	if err := s.requireWritable("clear session"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshot WHERE id = 1`)
	return err
}
