package store

import (
	"context"
	"database/sql"
	"errors"
)

const activeSessionKey = "active_session"

// SetActiveSession records which session currently has focus. An empty
// id clears the pointer.
func (s *Store) SetActiveSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM kv WHERE key = ?`), activeSessionKey)
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`), activeSessionKey, sessionID)
	return err
}

// GetActiveSession returns the focused session id, or "" when none is set.
func (s *Store) GetActiveSession(ctx context.Context) (string, error) {
	var sessionID string
	err := s.ro.GetContext(ctx, &sessionID, s.ro.Rebind(`SELECT value FROM kv WHERE key = ?`), activeSessionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sessionID, nil
}
