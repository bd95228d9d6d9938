package events

import (
	"encoding/json"
	"fmt"
)

// LogEventData is the payload carried by claudelog.* events. Fields are
// populated per event type; CLISessionID and FilePath are always set.
type LogEventData struct {
	CLISessionID string `json:"cli_session_id"`
	FilePath     string `json:"file_path"`
	MessageID    string `json:"message_id,omitempty"`
	ParentID     string `json:"parent_id,omitempty"`
	Text         string `json:"text,omitempty"`
	CWD          string `json:"cwd,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// SessionEventData is the payload carried by session.* events.
type SessionEventData struct {
	SessionID    string `json:"session_id"`
	Name         string `json:"name,omitempty"`
	TerminalID   string `json:"terminal_id,omitempty"`
	CLISessionID string `json:"cli_session_id,omitempty"`
	JarvisMode   bool   `json:"jarvis_mode"`
	Mode         string `json:"mode,omitempty"`
	Status       string `json:"status,omitempty"` // loading, ready
}

// TerminalEventData is the payload carried by terminal.* events.
// Output bytes are base64 encoded so the payload survives JSON transport.
type TerminalEventData struct {
	TerminalID string `json:"terminal_id"`
	Data       string `json:"data,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
}

// TTSEventData is the payload carried by tts.speak events.
type TTSEventData struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// ParseEventData converts a bus event's untyped data map into a typed
// payload struct via a JSON round-trip.
func ParseEventData(data map[string]interface{}, target interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal event data: %w", err)
	}
	return nil
}

// ToMap converts a typed payload into the map form the bus carries.
func ToMap(payload interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return m, nil
}
