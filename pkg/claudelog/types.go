// Package claudelog provides types and parsing for the Claude CLI's
// on-disk transcript format: append-only files of newline-delimited JSON
// records, one file per CLI session, named by the CLI's session id.
package claudelog

import "encoding/json"

// Record types found in transcript files
const (
	// RecordTypeUser is a user-authored prompt
	RecordTypeUser = "user"
	// RecordTypeAssistant contains assistant output content blocks
	RecordTypeAssistant = "assistant"
	// RecordTypeSystem carries CLI-internal markers (subtype distinguishes them)
	RecordTypeSystem = "system"
	// RecordTypeSummary is a conversation summary header; no message chain fields
	RecordTypeSummary = "summary"
	// RecordTypeStop is the explicit end-of-turn marker
	RecordTypeStop = "stop"
)

// System record subtypes
const (
	SubtypeStop = "stop"
)

// Content block types inside assistant messages
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Record is one line of a transcript file. The type determines which
// fields are populated; message-chain fields (UUID/ParentUUID) are absent
// on summary records.
type Record struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype,omitempty"`
	UUID      string  `json:"uuid,omitempty"`
	ParentUUID *string `json:"parentUuid,omitempty"`
	SessionID string  `json:"sessionId,omitempty"`
	CWD       string  `json:"cwd,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`

	Message *Message `json:"message,omitempty"`
}

// Message is the role/content body of a user or assistant record.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ContentBlock represents a typed part of a message content list.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// HasParent reports whether the record continues a message chain.
func (r *Record) HasParent() bool {
	return r.ParentUUID != nil && *r.ParentUUID != ""
}

// IsStop reports whether the record is an end-of-turn marker.
func (r *Record) IsStop() bool {
	if r.Type == RecordTypeStop {
		return true
	}
	return r.Type == RecordTypeSystem && r.Subtype == SubtypeStop
}

// IsUser reports whether the record is a user prompt.
func (r *Record) IsUser() bool {
	return r.Type == RecordTypeUser
}

// IsAssistant reports whether the record is assistant output.
func (r *Record) IsAssistant() bool {
	return r.Type == RecordTypeAssistant
}

// IsCorrelatable reports whether the record carries chain identifiers the
// correlator can use. Summary and marker records do not.
func (r *Record) IsCorrelatable() bool {
	return r.UUID != "" && (r.Type == RecordTypeUser || r.Type == RecordTypeAssistant)
}

// ContentString returns the message content when it is a bare JSON string
// (the usual shape for user prompts), or "" otherwise.
func (m *Message) ContentString() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// ContentBlocks returns the message content as a typed block list (the
// usual shape for assistant output). A bare-string content yields a
// single text block.
func (m *Message) ContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}
	if s := m.ContentString(); s != "" {
		return []ContentBlock{{Type: BlockTypeText, Text: s}}
	}
	return nil
}

// AssistantText concatenates the text blocks of an assistant record,
// ignoring thinking, tool_use and tool_result blocks. Returns "" for
// non-assistant records.
func (r *Record) AssistantText() string {
	if !r.IsAssistant() || r.Message == nil {
		return ""
	}
	var text string
	for _, block := range r.Message.ContentBlocks() {
		if block.Type != BlockTypeText {
			continue
		}
		if text != "" && block.Text != "" {
			text += "\n"
		}
		text += block.Text
	}
	return text
}

// ParseRecord parses one transcript line.
func ParseRecord(line []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(line, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
