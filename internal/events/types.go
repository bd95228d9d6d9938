// Package events provides event types and utilities for the jarvisd event system.
package events

// Event types for Claude CLI transcript streams
const (
	LogSessionStart         = "claudelog.session_start"
	LogUserPrompt           = "claudelog.user_prompt"
	LogAssistantText        = "claudelog.assistant_text"
	LogAssistantFirst       = "claudelog.assistant_first"
	LogCorrelationCandidate = "claudelog.correlation_candidate"
	LogStop                 = "claudelog.stop"
)

// Event types for sessions
const (
	SessionCreated       = "session.created"
	SessionUpdated       = "session.updated"
	SessionDeleted       = "session.deleted"
	SessionJarvisUpdated = "session.jarvis_updated"
	SessionStatus        = "session.status"
)

// Event types for terminal I/O
const (
	TerminalOutput = "terminal.output" // Raw PTY output bytes
	TerminalReady  = "terminal.ready"  // PTY spawned
	TerminalExit   = "terminal.exit"   // PTY child exited
)

// Event types for speech
const (
	TTSSpeak = "tts.speak"
)

// BuildTerminalOutputSubject creates a terminal output subject for a specific terminal
func BuildTerminalOutputSubject(terminalID string) string {
	return TerminalOutput + "." + terminalID
}

// BuildTerminalOutputWildcardSubject creates a wildcard subscription for all terminal output events
func BuildTerminalOutputWildcardSubject() string {
	return TerminalOutput + ".*"
}

// BuildTerminalExitSubject creates a terminal exit subject for a specific terminal
func BuildTerminalExitSubject(terminalID string) string {
	return TerminalExit + "." + terminalID
}

// BuildTerminalExitWildcardSubject creates a wildcard subscription for all terminal exit events
func BuildTerminalExitWildcardSubject() string {
	return TerminalExit + ".*"
}
