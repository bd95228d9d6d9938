package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested session does not exist.
	ErrNotFound = errors.New("session not found")
)

// Session modes for jarvis-managed sessions.
const (
	ModePlanning  = "planning"
	ModeExecution = "execution"
)

// Session is the durable record of an orchestrated coding session.
// CLISessionID is nil until a transcript stream has been correlated with
// the session, and is cleared again when a context reset is expected to
// produce a new stream.
type Session struct {
	ID                string    `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	TerminalID        string    `db:"terminal_id" json:"terminalId"`
	ProjectPath       string    `db:"project_path" json:"projectPath"`
	CLISessionID      *string   `db:"cli_session_id" json:"cliSessionId"`
	LastMessageID     string    `db:"last_message_id" json:"lastMessageId"`
	JarvisMode        bool      `db:"jarvis_mode" json:"jarvisMode"`
	Mode              string    `db:"mode" json:"mode"`
	Plan              string    `db:"plan" json:"plan"`
	LastAssistantText string    `db:"last_assistant_text" json:"lastAssistantText"`
	ClaudePID         int       `db:"claude_pid" json:"claudePid"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

// SessionPatch describes a partial update to a session. Nil fields are
// left untouched. ClearCLISessionID sets cli_session_id to NULL and wins
// over CLISessionID when both are set.
type SessionPatch struct {
	Name              *string
	TerminalID        *string
	ProjectPath       *string
	CLISessionID      *string
	ClearCLISessionID bool
	LastMessageID     *string
	JarvisMode        *bool
	Mode              *string
	Plan              *string
	LastAssistantText *string
	ClaudePID         *int
}

// IsEmpty reports whether the patch would change nothing.
func (p *SessionPatch) IsEmpty() bool {
	return p.Name == nil && p.TerminalID == nil && p.ProjectPath == nil &&
		p.CLISessionID == nil && !p.ClearCLISessionID && p.LastMessageID == nil &&
		p.JarvisMode == nil && p.Mode == nil && p.Plan == nil &&
		p.LastAssistantText == nil && p.ClaudePID == nil
}
