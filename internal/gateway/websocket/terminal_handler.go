package websocket

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/scheduler"
	"github.com/jarvisd/jarvisd/internal/terminal"
	ws "github.com/jarvisd/jarvisd/pkg/websocket"
)

// TerminalHandler serves terminal commands and fans PTY output out to
// connected clients.
type TerminalHandler struct {
	terminals *terminal.Manager
	scheduler *scheduler.Scheduler
	hub       *Hub
	logger    *logger.Logger

	// One output pump per live terminal.
	pumps  map[string]*outputPump
	pumpMu sync.Mutex
}

// outputPump relays one terminal's output to the hub. The data channel
// stays open for as long as the terminal can broadcast on it; shutdown
// is signalled on done, and the pump goroutine unsubscribes itself.
type outputPump struct {
	ch   chan []byte
	done chan struct{}
}

// NewTerminalHandler creates the handler and registers its actions.
func NewTerminalHandler(terminals *terminal.Manager, sched *scheduler.Scheduler, hub *Hub, log *logger.Logger) *TerminalHandler {
	h := &TerminalHandler{
		terminals: terminals,
		scheduler: sched,
		hub:       hub,
		logger:    log.WithFields(zap.String("component", "ws_terminal")),
		pumps:     make(map[string]*outputPump),
	}

	d := hub.GetDispatcher()
	d.RegisterFunc(ws.ActionTerminalCreate, h.handleCreate)
	d.RegisterFunc(ws.ActionTerminalInput, h.handleInput)
	d.RegisterFunc(ws.ActionTerminalResize, h.handleResize)
	d.RegisterFunc(ws.ActionTerminalKill, h.handleKill)
	d.RegisterFunc(ws.ActionTerminalList, h.handleList)
	d.RegisterFunc(ws.ActionTerminalExecute, h.handleExecute)
	d.RegisterFunc(ws.ActionTerminalScheduleExecution, h.handleScheduleExecution)

	return h
}

// CreateRequest is the payload for terminal.create.
type CreateRequest struct {
	TerminalID string `json:"terminal_id"`
	WorkDir    string `json:"work_dir,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// InputRequest is the payload for terminal.input. Data is base64.
type InputRequest struct {
	TerminalID string `json:"terminal_id"`
	Data       string `json:"data"`
}

// ResizeRequest is the payload for terminal.resize.
type ResizeRequest struct {
	TerminalID string `json:"terminal_id"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// TerminalRequest addresses a terminal by id.
type TerminalRequest struct {
	TerminalID string `json:"terminal_id"`
}

// ExecuteRequest is the payload for terminal.execute.
type ExecuteRequest struct {
	TerminalID string `json:"terminal_id"`
	Command    string `json:"command"`
}

// ScheduleExecutionRequest is the payload for terminal.schedule_execution.
type ScheduleExecutionRequest struct {
	TerminalID   string  `json:"terminal_id"`
	DelaySeconds float64 `json:"delay_seconds"`
	Command      string  `json:"command"`
}

func (h *TerminalHandler) handleCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req CreateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.TerminalID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "terminal_id is required", nil)
	}

	term, err := h.terminals.Create(req.TerminalID, terminal.Options{
		WorkDir:   req.WorkDir,
		Cols:      req.Cols,
		Rows:      req.Rows,
		SessionID: req.SessionID,
	})
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}

	h.startPump(req.TerminalID, term)
	h.broadcastReady(req.TerminalID)

	// Scrollback lets a reconnecting client repaint immediately.
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"terminal_id": req.TerminalID,
		"pid":         term.Pid(),
		"scrollback":  base64.StdEncoding.EncodeToString(term.BufferedOutput()),
	})
}

func (h *TerminalHandler) handleInput(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req InputRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.TerminalID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "terminal_id is required", nil)
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		// Plain text from simple clients.
		data = []byte(req.Data)
	}

	if err := h.terminals.Write(req.TerminalID, data); err != nil {
		return h.terminalError(msg, err)
	}
	return nil, nil
}

func (h *TerminalHandler) handleResize(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ResizeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.TerminalID == "" || req.Cols <= 0 || req.Rows <= 0 {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "terminal_id, cols and rows are required", nil)
	}

	if err := h.terminals.Resize(req.TerminalID, req.Cols, req.Rows); err != nil {
		return h.terminalError(msg, err)
	}
	return nil, nil
}

func (h *TerminalHandler) handleKill(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TerminalRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.TerminalID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "terminal_id is required", nil)
	}

	h.stopPump(req.TerminalID)
	if err := h.terminals.Kill(req.TerminalID); err != nil {
		return h.terminalError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"terminal_id": req.TerminalID,
		"killed":      true,
	})
}

func (h *TerminalHandler) handleList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"terminals": h.terminals.List(),
	})
}

func (h *TerminalHandler) handleExecute(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ExecuteRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.TerminalID == "" || req.Command == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "terminal_id and command are required", nil)
	}

	if err := h.terminals.Execute(req.TerminalID, req.Command); err != nil {
		return h.terminalError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"terminal_id": req.TerminalID,
		"accepted":    true,
	})
}

func (h *TerminalHandler) handleScheduleExecution(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ScheduleExecutionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.TerminalID == "" || req.Command == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "terminal_id and command are required", nil)
	}
	if req.DelaySeconds < 0 {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "delay_seconds must be non-negative", nil)
	}

	delay := time.Duration(req.DelaySeconds * float64(time.Second))
	if err := h.scheduler.Schedule(req.TerminalID, delay, []byte(req.Command)); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"terminal_id": req.TerminalID,
		"accepted":    true,
	})
}

// startPump begins broadcasting a terminal's output. Idempotent per
// terminal id.
func (h *TerminalHandler) startPump(terminalID string, term *terminal.Terminal) {
	h.pumpMu.Lock()
	if _, ok := h.pumps[terminalID]; ok {
		h.pumpMu.Unlock()
		return
	}
	p := &outputPump{
		ch:   make(chan []byte, 256),
		done: make(chan struct{}),
	}
	h.pumps[terminalID] = p
	h.pumpMu.Unlock()

	term.Subscribe(p.ch)

	go func() {
		defer term.Unsubscribe(p.ch)
		for {
			select {
			case <-p.done:
				return
			case data := <-p.ch:
				notification, err := ws.NewNotification(ws.ActionTerminalOutput, map[string]interface{}{
					"terminal_id": terminalID,
					"data":        base64.StdEncoding.EncodeToString(data),
				})
				if err != nil {
					h.logger.Error("failed to build output notification", zap.Error(err))
					continue
				}
				h.hub.Broadcast(notification)
			}
		}
	}()
}

func (h *TerminalHandler) stopPump(terminalID string) {
	h.pumpMu.Lock()
	p, ok := h.pumps[terminalID]
	if ok {
		delete(h.pumps, terminalID)
	}
	h.pumpMu.Unlock()

	if ok {
		close(p.done)
	}
}

// HandleExit broadcasts a terminal exit and tears down its pump. Wired
// as the terminal manager's exit handler.
func (h *TerminalHandler) HandleExit(terminalID string, exitCode int) {
	h.stopPump(terminalID)

	notification, err := ws.NewNotification(ws.ActionTerminalExit, map[string]interface{}{
		"terminal_id": terminalID,
		"exit_code":   exitCode,
	})
	if err != nil {
		h.logger.Error("failed to build exit notification", zap.Error(err))
		return
	}
	h.hub.Broadcast(notification)
}

func (h *TerminalHandler) broadcastReady(terminalID string) {
	notification, err := ws.NewNotification(ws.ActionTerminalReady, map[string]interface{}{
		"terminal_id": terminalID,
	})
	if err != nil {
		h.logger.Error("failed to build ready notification", zap.Error(err))
		return
	}
	h.hub.Broadcast(notification)
}

// terminalError maps manager errors onto protocol error codes. Unknown
// terminals are a soft not-found, never an internal error.
func (h *TerminalHandler) terminalError(msg *ws.Message, err error) (*ws.Message, error) {
	if errors.Is(err, terminal.ErrNotFound) {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "terminal not found", nil)
	}
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
}
