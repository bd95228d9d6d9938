package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, name, terminal_id, project_path, cli_session_id, last_message_id,
	jarvis_mode, mode, plan, last_assistant_text, claude_pid, created_at, updated_at`

// CreateSession inserts a new session record. An empty ID is filled with
// a fresh UUID; an empty Mode defaults to planning.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Mode == "" {
		session.Mode = ModePlanning
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.Name, session.TerminalID, session.ProjectPath,
		session.CLISessionID, session.LastMessageID, session.JarvisMode,
		session.Mode, session.Plan, session.LastAssistantText, session.ClaudePID,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpsertSession replaces the full session row, inserting it if absent.
// CreatedAt is preserved on replace; UpdatedAt always advances.
func (s *Store) UpsertSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Mode == "" {
		session.Mode = ModePlanning
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			terminal_id = excluded.terminal_id,
			project_path = excluded.project_path,
			cli_session_id = excluded.cli_session_id,
			last_message_id = excluded.last_message_id,
			jarvis_mode = excluded.jarvis_mode,
			mode = excluded.mode,
			plan = excluded.plan,
			last_assistant_text = excluded.last_assistant_text,
			claude_pid = excluded.claude_pid,
			updated_at = excluded.updated_at
	`), session.ID, session.Name, session.TerminalID, session.ProjectPath,
		session.CLISessionID, session.LastMessageID, session.JarvisMode,
		session.Mode, session.Plan, session.LastAssistantText, session.ClaudePID,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	session := &Session{}
	err := s.ro.GetContext(ctx, session, s.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	err := s.ro.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// FindSessionByCLISessionID returns the session currently attached to the
// given CLI session id, or ErrNotFound.
func (s *Store) FindSessionByCLISessionID(ctx context.Context, cliSessionID string) (*Session, error) {
	session := &Session{}
	err := s.ro.GetContext(ctx, session, s.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE cli_session_id = ?
	`), cliSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// OldestUnattachedSession returns the oldest session whose cli_session_id
// is NULL, or ErrNotFound if every session is attached.
func (s *Store) OldestUnattachedSession(ctx context.Context) (*Session, error) {
	session := &Session{}
	err := s.ro.GetContext(ctx, session, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE cli_session_id IS NULL
		ORDER BY created_at, id
		LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// PatchSession applies a partial update to a session as a single UPDATE.
// Returns ErrNotFound if the session does not exist; an empty patch only
// bumps updated_at.
func (s *Store) PatchSession(ctx context.Context, id string, patch *SessionPatch) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}

	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.TerminalID != nil {
		add("terminal_id", *patch.TerminalID)
	}
	if patch.ProjectPath != nil {
		add("project_path", *patch.ProjectPath)
	}
	if patch.ClearCLISessionID {
		add("cli_session_id", nil)
	} else if patch.CLISessionID != nil {
		add("cli_session_id", *patch.CLISessionID)
	}
	if patch.LastMessageID != nil {
		add("last_message_id", *patch.LastMessageID)
	}
	if patch.JarvisMode != nil {
		add("jarvis_mode", *patch.JarvisMode)
	}
	if patch.Mode != nil {
		add("mode", *patch.Mode)
	}
	if patch.Plan != nil {
		add("plan", *patch.Plan)
	}
	if patch.LastAssistantText != nil {
		add("last_assistant_text", *patch.LastAssistantText)
	}
	if patch.ClaudePID != nil {
		add("claude_pid", *patch.ClaudePID)
	}

	args = append(args, id)
	query := s.db.Rebind(`UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to patch session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its correlation rows. Deleting a
// session that does not exist is not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM correlations WHERE session_id = ?`), id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete correlations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete session: %w", err)
	}

	// Clear the active pointer if it referenced the deleted session.
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM kv WHERE key = ? AND value = ?`), activeSessionKey, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear active session: %w", err)
	}

	return tx.Commit()
}
