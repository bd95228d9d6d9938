package websocket

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/jarvis"
	"github.com/jarvisd/jarvisd/internal/registry"
	"github.com/jarvisd/jarvisd/internal/store"
	"github.com/jarvisd/jarvisd/internal/terminal"
	ws "github.com/jarvisd/jarvisd/pkg/websocket"
)

// SessionHandler serves session commands.
type SessionHandler struct {
	registry  *registry.Registry
	jarvis    *jarvis.Controller
	terminals *terminal.Manager
	logger    *logger.Logger
}

// NewSessionHandler creates the handler and registers its actions.
func NewSessionHandler(reg *registry.Registry, controller *jarvis.Controller, terminals *terminal.Manager, hub *Hub, log *logger.Logger) *SessionHandler {
	h := &SessionHandler{
		registry:  reg,
		jarvis:    controller,
		terminals: terminals,
		logger:    log.WithFields(zap.String("component", "ws_session")),
	}

	d := hub.GetDispatcher()
	d.RegisterFunc(ws.ActionSessionList, h.handleList)
	d.RegisterFunc(ws.ActionSessionCreate, h.handleCreate)
	d.RegisterFunc(ws.ActionSessionPromote, h.handlePromote)
	d.RegisterFunc(ws.ActionSessionDelete, h.handleDelete)
	d.RegisterFunc(ws.ActionSessionSendMessage, h.handleSendMessage)
	d.RegisterFunc(ws.ActionSessionToggleJarvis, h.handleToggleJarvis)
	d.RegisterFunc(ws.ActionSessionLinkCli, h.handleLinkCli)
	d.RegisterFunc(ws.ActionSessionSetActive, h.handleSetActive)
	d.RegisterFunc(ws.ActionSessionUpdatePlan, h.handleUpdatePlan)
	d.RegisterFunc(ws.ActionJarvisExecutePlan, h.handleExecutePlan)

	return h
}

// SessionCreateRequest is the payload for session.create.
type SessionCreateRequest struct {
	Name        string `json:"name"`
	ProjectPath string `json:"project_path"`
}

// SessionPromoteRequest is the payload for session.promote.
type SessionPromoteRequest struct {
	CLISessionID string `json:"cli_session_id"`
	Name         string `json:"name"`
	ProjectPath  string `json:"project_path"`
}

// SessionRequest addresses a session by id.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// SendMessageRequest is the payload for session.send_message.
type SendMessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ToggleJarvisRequest is the payload for session.toggle_jarvis.
type ToggleJarvisRequest struct {
	SessionID  string `json:"session_id"`
	JarvisMode bool   `json:"jarvis_mode"`
}

// LinkCliRequest is the payload for session.link_cli.
type LinkCliRequest struct {
	SessionID    string `json:"session_id"`
	CLISessionID string `json:"cli_session_id"`
}

// UpdatePlanRequest is the payload for session.update_plan.
type UpdatePlanRequest struct {
	SessionID string `json:"session_id"`
	Plan      string `json:"plan"`
}

func (h *SessionHandler) handleList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessions, active, err := h.registry.List(ctx)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"sessions":          sessions,
		"active_session_id": active,
	})
}

func (h *SessionHandler) handleCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionCreateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.Name == "" || req.ProjectPath == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "name and project_path are required", nil)
	}

	session, err := h.registry.CreateSession(ctx, req.Name, req.ProjectPath)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, session)
}

func (h *SessionHandler) handlePromote(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionPromoteRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.CLISessionID == "" || req.Name == "" || req.ProjectPath == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "cli_session_id, name and project_path are required", nil)
	}

	session, err := h.registry.PromoteSession(ctx, req.CLISessionID, req.Name, req.ProjectPath)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, session)
}

func (h *SessionHandler) handleDelete(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	result, err := h.registry.DeleteSession(ctx, req.SessionID)
	if err != nil {
		return h.sessionError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, result)
}

func (h *SessionHandler) handleSendMessage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SendMessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" || req.Message == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id and message are required", nil)
	}

	session, err := h.registry.Get(ctx, req.SessionID)
	if err != nil {
		return h.sessionError(msg, err)
	}
	if err := h.terminals.Execute(session.TerminalID, req.Message); err != nil {
		if errors.Is(err, terminal.ErrNotFound) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "terminal not found", nil)
		}
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id": req.SessionID,
		"accepted":   true,
	})
}

func (h *SessionHandler) handleToggleJarvis(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ToggleJarvisRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	session, err := h.jarvis.Toggle(ctx, req.SessionID, req.JarvisMode)
	if err != nil {
		return h.sessionError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, session)
}

func (h *SessionHandler) handleLinkCli(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req LinkCliRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" || req.CLISessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id and cli_session_id are required", nil)
	}

	if err := h.registry.LinkCLI(ctx, req.SessionID, req.CLISessionID); err != nil {
		return h.sessionError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id":     req.SessionID,
		"cli_session_id": req.CLISessionID,
	})
}

func (h *SessionHandler) handleSetActive(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	if err := h.registry.SetActive(ctx, req.SessionID); err != nil {
		return h.sessionError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"active_session_id": req.SessionID,
	})
}

func (h *SessionHandler) handleUpdatePlan(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req UpdatePlanRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	if err := h.registry.UpdatePlan(ctx, req.SessionID, req.Plan); err != nil {
		return h.sessionError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id": req.SessionID,
		"updated":    true,
	})
}

func (h *SessionHandler) handleExecutePlan(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	if err := h.jarvis.ExecutePlan(ctx, req.SessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "session not found", nil)
		}
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id": req.SessionID,
		"executing":  true,
	})
}

func (h *SessionHandler) sessionError(msg *ws.Message, err error) (*ws.Message, error) {
	if errors.Is(err, store.ErrNotFound) {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "session not found", nil)
	}
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
}
