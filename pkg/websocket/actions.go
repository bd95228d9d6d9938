package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Terminal actions (client -> server)
	ActionTerminalCreate            = "terminal.create"
	ActionTerminalInput             = "terminal.input"
	ActionTerminalResize            = "terminal.resize"
	ActionTerminalKill              = "terminal.kill"
	ActionTerminalList              = "terminal.list"
	ActionTerminalExecute           = "terminal.execute"
	ActionTerminalScheduleExecution = "terminal.schedule_execution"

	// Session actions (client -> server)
	ActionSessionList         = "session.list"
	ActionSessionCreate       = "session.create"
	ActionSessionPromote      = "session.promote"
	ActionSessionDelete       = "session.delete"
	ActionSessionSendMessage  = "session.send_message"
	ActionSessionToggleJarvis = "session.toggle_jarvis"
	ActionSessionLinkCli      = "session.link_cli"
	ActionSessionSetActive    = "session.set_active"
	ActionSessionUpdatePlan   = "session.update_plan"

	// Jarvis actions (client -> server)
	ActionJarvisExecutePlan = "jarvis.execute_plan"

	// Notification actions (server -> client)
	ActionTerminalOutput       = "terminal.output"
	ActionTerminalReady        = "terminal.ready"
	ActionTerminalExit         = "terminal.exit"
	ActionSessionCreated       = "session.created"
	ActionSessionUpdated       = "session.updated"
	ActionSessionDeleted       = "session.deleted"
	ActionSessionJarvisUpdated = "session.jarvis_updated"
	ActionSessionStatusUpdate  = "session.status_update"
	ActionTTS                  = "tts"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
