// Package registry presents the canonical session list, coordinates
// creation and deletion, and broadcasts every mutation to the bus.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/common/tracing"
	"github.com/jarvisd/jarvisd/internal/events"
	"github.com/jarvisd/jarvisd/internal/events/bus"
	"github.com/jarvisd/jarvisd/internal/store"
	"github.com/jarvisd/jarvisd/internal/terminal"
)

// ErrNotFound mirrors the store's soft not-found result.
var ErrNotFound = store.ErrNotFound

// DeleteResult reports which deletion sub-steps succeeded. Partial
// failures are allowed and visible to the caller.
type DeleteResult struct {
	SessionRowRemoved  bool `json:"session_row_removed"`
	TerminalKilled     bool `json:"terminal_killed"`
	CorrelationCleared bool `json:"correlation_cleared"`
}

// Registry coordinates the store, the terminal manager and the bus.
type Registry struct {
	store     *store.Store
	terminals *terminal.Manager
	mapping   *store.ExecutionMapping
	bus       bus.EventBus
	logger    *logger.Logger
}

// New creates a registry.
func New(st *store.Store, terminals *terminal.Manager, mapping *store.ExecutionMapping, eventBus bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		store:     st,
		terminals: terminals,
		mapping:   mapping,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "registry")),
	}
}

// CreateSession persists a new session and allocates its terminal. The
// AI CLI is not started here; it starts when the client writes the boot
// command to the PTY.
func (r *Registry) CreateSession(ctx context.Context, name, projectPath string) (*store.Session, error) {
	ctx, span := tracing.Tracer("registry").Start(ctx, "session.create")
	span.SetAttributes(attribute.String("session.name", name))
	defer span.End()

	session := &store.Session{
		ID:          uuid.New().String(),
		Name:        name,
		ProjectPath: projectPath,
		Mode:        store.ModePlanning,
	}
	session.TerminalID = session.ID

	if err := r.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	term, err := r.terminals.Create(session.TerminalID, terminal.Options{
		WorkDir:   projectPath,
		SessionID: session.ID,
	})
	if err != nil {
		// The row stays; the client can retry terminal allocation by
		// recreating, and deletion cleans up either way.
		r.logger.Error("terminal allocation failed",
			zap.String("session_id", session.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to allocate terminal: %w", err)
	}
	r.recordPID(ctx, session, term.Pid())

	r.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("project_path", projectPath))
	r.broadcast(ctx, events.SessionCreated, session)
	return session, nil
}

// PromoteSession creates a session pre-bound to an existing transcript.
// Used when the user adopts a previously-orphaned conversation.
func (r *Registry) PromoteSession(ctx context.Context, cliSessionID, name, projectPath string) (*store.Session, error) {
	if existing, err := r.store.FindSessionByCLISessionID(ctx, cliSessionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	session := &store.Session{
		ID:           uuid.New().String(),
		Name:         name,
		ProjectPath:  projectPath,
		CLISessionID: &cliSessionID,
		Mode:         store.ModePlanning,
	}
	session.TerminalID = session.ID

	if err := r.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	term, err := r.terminals.Create(session.TerminalID, terminal.Options{
		WorkDir:   projectPath,
		SessionID: session.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate terminal: %w", err)
	}
	r.recordPID(ctx, session, term.Pid())

	r.logger.Info("session promoted from orphan conversation",
		zap.String("session_id", session.ID),
		zap.String("cli_session_id", cliSessionID))
	r.broadcast(ctx, events.SessionCreated, session)
	return session, nil
}

// DeleteSession removes a session best-effort. Each sub-step is
// attempted regardless of earlier failures and reported individually.
func (r *Registry) DeleteSession(ctx context.Context, id string) (DeleteResult, error) {
	var result DeleteResult

	session, err := r.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return result, ErrNotFound
		}
		return result, err
	}

	if err := r.terminals.Kill(session.TerminalID); err == nil {
		result.TerminalKilled = true
	} else if !errors.Is(err, terminal.ErrNotFound) {
		r.logger.Warn("terminal kill failed during delete",
			zap.String("session_id", id), zap.Error(err))
	}

	if err := r.store.RemoveCorrelation(ctx, id); err == nil {
		result.CorrelationCleared = true
	} else {
		r.logger.Warn("correlation cleanup failed during delete",
			zap.String("session_id", id), zap.Error(err))
	}

	if r.mapping != nil {
		if err := r.mapping.Remove(id); err != nil {
			r.logger.Warn("execution mapping cleanup failed during delete",
				zap.String("session_id", id), zap.Error(err))
		}
	}

	if err := r.store.DeleteSession(ctx, id); err == nil {
		result.SessionRowRemoved = true
	} else {
		r.logger.Error("session row removal failed",
			zap.String("session_id", id), zap.Error(err))
	}

	r.logger.Info("session deleted",
		zap.String("session_id", id),
		zap.Bool("row_removed", result.SessionRowRemoved),
		zap.Bool("terminal_killed", result.TerminalKilled),
		zap.Bool("correlation_cleared", result.CorrelationCleared))
	r.broadcast(ctx, events.SessionDeleted, session)
	return result, nil
}

// UpdateJarvisMode toggles the automation flag.
func (r *Registry) UpdateJarvisMode(ctx context.Context, id string, jarvisMode bool) (*store.Session, error) {
	if err := r.store.PatchSession(ctx, id, &store.SessionPatch{JarvisMode: &jarvisMode}); err != nil {
		return nil, err
	}
	session, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	r.broadcast(ctx, events.SessionJarvisUpdated, session)
	return session, nil
}

// UpdateMode persists a planning/execution mode change.
func (r *Registry) UpdateMode(ctx context.Context, id, mode string) error {
	if mode != store.ModePlanning && mode != store.ModeExecution {
		return fmt.Errorf("invalid mode %q", mode)
	}
	if err := r.store.PatchSession(ctx, id, &store.SessionPatch{Mode: &mode}); err != nil {
		return err
	}
	r.broadcastByID(ctx, events.SessionUpdated, id)
	return nil
}

// UpdatePlan stores the current plan text.
func (r *Registry) UpdatePlan(ctx context.Context, id, plan string) error {
	if err := r.store.PatchSession(ctx, id, &store.SessionPatch{Plan: &plan}); err != nil {
		return err
	}
	r.broadcastByID(ctx, events.SessionUpdated, id)
	return nil
}

// UpdateLastAssistantText stores the most recent assistant text.
func (r *Registry) UpdateLastAssistantText(ctx context.Context, id, text string) error {
	if err := r.store.PatchSession(ctx, id, &store.SessionPatch{LastAssistantText: &text}); err != nil {
		return err
	}
	r.broadcastByID(ctx, events.SessionUpdated, id)
	return nil
}

// SetActive marks the session helper tools act on.
func (r *Registry) SetActive(ctx context.Context, id string) error {
	if _, err := r.store.GetSession(ctx, id); err != nil {
		return err
	}
	if err := r.store.SetActiveSession(ctx, id); err != nil {
		return err
	}
	r.broadcastByID(ctx, events.SessionUpdated, id)
	return nil
}

// LinkCLI attaches a cliSessionId to a session.
func (r *Registry) LinkCLI(ctx context.Context, id, cliSessionID string) error {
	if err := r.store.PatchSession(ctx, id, &store.SessionPatch{CLISessionID: &cliSessionID}); err != nil {
		return err
	}
	r.broadcastByID(ctx, events.SessionUpdated, id)
	return nil
}

// ClearCLIAttachment drops the cliSessionId, lastMessageId and the
// correlation row, used before the CLI re-identifies itself after a
// clear-context command. The correlation row must go too: the old
// stream's closing messages still chain to it, and a leftover row would
// re-attach the session to the stream it just left.
func (r *Registry) ClearCLIAttachment(ctx context.Context, id string) error {
	empty := ""
	if err := r.store.PatchSession(ctx, id, &store.SessionPatch{
		ClearCLISessionID: true,
		LastMessageID:     &empty,
	}); err != nil {
		return err
	}
	if err := r.store.RemoveCorrelation(ctx, id); err != nil {
		return fmt.Errorf("failed to remove correlation: %w", err)
	}
	r.broadcastByID(ctx, events.SessionUpdated, id)
	return nil
}

// Get loads one session.
func (r *Registry) Get(ctx context.Context, id string) (*store.Session, error) {
	return r.store.GetSession(ctx, id)
}

// FindByCLISessionID loads the session attached to a cli session id.
func (r *Registry) FindByCLISessionID(ctx context.Context, cliSessionID string) (*store.Session, error) {
	return r.store.FindSessionByCLISessionID(ctx, cliSessionID)
}

// List returns all sessions plus the active session id.
func (r *Registry) List(ctx context.Context) ([]*store.Session, string, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return nil, "", err
	}
	active, err := r.store.GetActiveSession(ctx)
	if err != nil {
		return nil, "", err
	}
	return sessions, active, nil
}

// recordPID stores the PTY child pid on the session row. Diagnostic
// only; a failed write is logged and swallowed.
func (r *Registry) recordPID(ctx context.Context, session *store.Session, pid int) {
	if pid <= 0 {
		return
	}
	session.ClaudePID = pid
	if err := r.store.PatchSession(ctx, session.ID, &store.SessionPatch{ClaudePID: &pid}); err != nil {
		r.logger.Warn("failed to record terminal pid",
			zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (r *Registry) broadcastByID(ctx context.Context, eventType, id string) {
	session, err := r.store.GetSession(ctx, id)
	if err != nil {
		r.logger.Error("session load for broadcast failed",
			zap.String("session_id", id), zap.Error(err))
		return
	}
	r.broadcast(ctx, eventType, session)
}

// broadcast publishes exactly one event per mutation, after the store
// write committed.
func (r *Registry) broadcast(ctx context.Context, eventType string, session *store.Session) {
	payload := events.SessionEventData{
		SessionID:  session.ID,
		Name:       session.Name,
		TerminalID: session.TerminalID,
		JarvisMode: session.JarvisMode,
		Mode:       session.Mode,
	}
	if session.CLISessionID != nil {
		payload.CLISessionID = *session.CLISessionID
	}

	data, err := events.ToMap(payload)
	if err != nil {
		r.logger.Error("failed to encode session payload", zap.Error(err))
		return
	}
	event := bus.NewEvent(eventType, "registry", data)
	if err := r.bus.Publish(ctx, eventType, event); err != nil {
		r.logger.Warn("failed to broadcast session event",
			zap.String("type", eventType), zap.Error(err))
	}
}
