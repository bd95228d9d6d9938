package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PutCorrelation records that the given assistant message id belongs to a
// session. A session keeps at most one correlation row; writing a new
// message id replaces the previous one so lookups always resolve the most
// recent turn.
func (s *Store) PutCorrelation(ctx context.Context, messageID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM correlations WHERE session_id = ?`), sessionID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to replace correlation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO correlations (last_message_id, session_id) VALUES (?, ?)
		ON CONFLICT(last_message_id) DO UPDATE SET session_id = excluded.session_id
	`), messageID, sessionID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to insert correlation: %w", err)
	}

	return tx.Commit()
}

// LookupSessionByMessageID resolves a parent message id to the session
// that produced it. Returns ErrNotFound when the id is unknown.
func (s *Store) LookupSessionByMessageID(ctx context.Context, messageID string) (string, error) {
	var sessionID string
	err := s.ro.GetContext(ctx, &sessionID, s.ro.Rebind(`
		SELECT session_id FROM correlations WHERE last_message_id = ?
	`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// RemoveCorrelation drops the correlation row for a session. Idempotent.
func (s *Store) RemoveCorrelation(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM correlations WHERE session_id = ?`), sessionID)
	return err
}
