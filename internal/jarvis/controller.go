// Package jarvis implements the automation state machine that keeps a
// coding session moving while the user is away from the screen.
//
// Per session the machine is disabled, planning, or execution. Planning
// relays assistant text to speech; execution runs the stored plan in a
// fresh context and returns to planning when the turn ends.
package jarvis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/config"
	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/common/tracing"
	"github.com/jarvisd/jarvisd/internal/events"
	"github.com/jarvisd/jarvisd/internal/events/bus"
	"github.com/jarvisd/jarvisd/internal/registry"
	"github.com/jarvisd/jarvisd/internal/scheduler"
	"github.com/jarvisd/jarvisd/internal/store"
)

// ClearContextCommand resets the CLI's conversation context before the
// execution prompt lands.
const ClearContextCommand = "/clear"

// sessionState is the controller's in-memory per-session state. The
// mutex serializes transitions; the flags enforce reentrancy rules.
type sessionState struct {
	mu sync.Mutex

	// pendingPrompt is set while a planning prompt is being written to
	// the PTY. No second prompt may start until it clears.
	pendingPrompt bool

	// returning is set between the stop event and the post-execution
	// planning prompt. Duplicate stops in that window are ignored.
	returning bool
}

// Controller drives the jarvis state machine for all sessions.
type Controller struct {
	registry  *registry.Registry
	terminals scheduler.Writer
	scheduler *scheduler.Scheduler
	mapping   *store.ExecutionMapping
	bus       bus.EventBus
	cfg       config.JarvisConfig
	logger    *logger.Logger

	states   map[string]*sessionState
	statesMu sync.Mutex

	subs   []bus.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a controller. Start must be called to begin consuming
// log events.
func New(reg *registry.Registry, terminals scheduler.Writer, sched *scheduler.Scheduler,
	mapping *store.ExecutionMapping, eventBus bus.EventBus, cfg config.JarvisConfig, log *logger.Logger) *Controller {
	return &Controller{
		registry:  reg,
		terminals: terminals,
		scheduler: sched,
		mapping:   mapping,
		bus:       eventBus,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "jarvis")),
		states:    make(map[string]*sessionState),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to assistant text and end-of-turn events.
func (c *Controller) Start() error {
	textSub, err := c.bus.Subscribe(events.LogAssistantText, func(ctx context.Context, event *bus.Event) error {
		var data events.LogEventData
		if err := events.ParseEventData(event.Data, &data); err != nil {
			c.logger.Warn("bad assistant text payload", zap.Error(err))
			return nil
		}
		c.handleAssistantText(ctx, data)
		return nil
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, textSub)

	stopSub, err := c.bus.Subscribe(events.LogStop, func(ctx context.Context, event *bus.Event) error {
		var data events.LogEventData
		if err := events.ParseEventData(event.Data, &data); err != nil {
			c.logger.Warn("bad stop payload", zap.Error(err))
			return nil
		}
		c.handleStop(ctx, data)
		return nil
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, stopSub)

	return nil
}

// Stop unsubscribes and waits for in-flight prompt writes.
func (c *Controller) Stop() {
	close(c.stopCh)
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.wg.Wait()
}

func (c *Controller) state(sessionID string) *sessionState {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	s, ok := c.states[sessionID]
	if !ok {
		s = &sessionState{}
		c.states[sessionID] = s
	}
	return s
}

// Toggle enables or disables jarvis mode. Enabling injects the planning
// prompt; enabling an already-enabled session does not re-inject.
func (c *Controller) Toggle(ctx context.Context, sessionID string, enabled bool) (*store.Session, error) {
	session, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wasEnabled := session.JarvisMode

	updated, err := c.registry.UpdateJarvisMode(ctx, sessionID, enabled)
	if err != nil {
		return nil, err
	}

	if enabled && !wasEnabled {
		c.logger.Info("jarvis enabled", zap.String("session_id", sessionID))
		c.injectPlanningPrompt(updated, false)
	}
	if !enabled {
		state := c.state(sessionID)
		state.mu.Lock()
		state.returning = false
		state.mu.Unlock()
		c.logger.Info("jarvis disabled", zap.String("session_id", sessionID))
	}
	return updated, nil
}

// ExecutePlan runs the planning -> execution transition: persist the
// mode, record the execution continuation, detach the cli session (the
// CLI re-identifies itself after the clear), and schedule the clear
// command and the execution prompt on the session's terminal.
func (c *Controller) ExecutePlan(ctx context.Context, sessionID string) error {
	session, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.JarvisMode {
		return errors.New("jarvis mode is not enabled for this session")
	}
	if session.Plan == "" {
		return errors.New("no plan stored for this session")
	}
	if session.Mode == store.ModeExecution {
		return errors.New("session is already executing")
	}

	state := c.state(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	ctx, span := tracing.Tracer("jarvis").Start(ctx, "jarvis.execute_plan")
	span.SetAttributes(attribute.String("session.id", sessionID))
	defer span.End()

	if err := c.registry.UpdateMode(ctx, sessionID, store.ModeExecution); err != nil {
		return fmt.Errorf("failed to persist execution mode: %w", err)
	}

	if c.mapping != nil {
		if err := c.mapping.Put(store.ExecutionRecord{
			SessionID:   session.ID,
			TerminalID:  session.TerminalID,
			ProjectPath: session.ProjectPath,
		}); err != nil {
			c.logger.Error("failed to write execution mapping", zap.Error(err))
		}
	}

	if err := c.registry.ClearCLIAttachment(ctx, sessionID); err != nil {
		c.logger.Error("failed to clear cli attachment", zap.Error(err))
	}

	if err := c.scheduler.Schedule(session.TerminalID, c.cfg.ClearContext(), []byte(ClearContextCommand)); err != nil {
		return fmt.Errorf("failed to schedule clear context: %w", err)
	}
	prompt := ExecutionPrompt(session.ID, session.Plan)
	if err := c.scheduler.Schedule(session.TerminalID, c.cfg.ExecutionSend(), []byte(prompt)); err != nil {
		return fmt.Errorf("failed to schedule execution prompt: %w", err)
	}

	c.logger.Info("execution started",
		zap.String("session_id", sessionID),
		zap.Int("plan_len", len(session.Plan)))
	return nil
}

// handleAssistantText relays new planning-mode assistant text to
// speech. Repeated identical text is spoken once.
func (c *Controller) handleAssistantText(ctx context.Context, data events.LogEventData) {
	if data.Text == "" || data.CLISessionID == "" {
		return
	}

	session, err := c.registry.FindByCLISessionID(ctx, data.CLISessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("session lookup failed", zap.Error(err))
		}
		return
	}
	if !session.JarvisMode || session.Mode != store.ModePlanning {
		return
	}
	if data.Text == session.LastAssistantText {
		return
	}

	if err := c.registry.UpdateLastAssistantText(ctx, session.ID, data.Text); err != nil {
		c.logger.Error("failed to persist assistant text", zap.Error(err))
		return
	}
	c.emitTTS(ctx, session.ID, data.Text)
}

// handleStop runs the execution -> planning transition on end-of-turn.
func (c *Controller) handleStop(ctx context.Context, data events.LogEventData) {
	if data.CLISessionID == "" {
		return
	}

	session, err := c.registry.FindByCLISessionID(ctx, data.CLISessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("session lookup failed", zap.Error(err))
		}
		return
	}
	if !session.JarvisMode || session.Mode != store.ModeExecution {
		return
	}

	state := c.state(session.ID)
	state.mu.Lock()
	if state.returning {
		state.mu.Unlock()
		c.logger.Debug("duplicate stop ignored", zap.String("session_id", session.ID))
		return
	}
	state.returning = true
	state.mu.Unlock()

	if err := c.registry.UpdateMode(ctx, session.ID, store.ModePlanning); err != nil {
		c.logger.Error("failed to persist planning mode", zap.Error(err))
		state.mu.Lock()
		state.returning = false
		state.mu.Unlock()
		return
	}

	c.logger.Info("execution finished, returning to planning",
		zap.String("session_id", session.ID))

	// Let the CLI quiesce before the next prompt lands.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !c.sleep(c.cfg.PostExecution()) {
			return
		}
		state.mu.Lock()
		state.returning = false
		state.mu.Unlock()
		c.injectPlanningPrompt(session, true)
	}()
}

// injectPlanningPrompt writes the planning prompt to the session's PTY
// and submits it after the paste settles. A prompt already in flight
// suppresses the new one.
func (c *Controller) injectPlanningPrompt(session *store.Session, postExecution bool) {
	state := c.state(session.ID)
	state.mu.Lock()
	if state.pendingPrompt {
		state.mu.Unlock()
		c.logger.Debug("planning prompt already in flight",
			zap.String("session_id", session.ID))
		return
	}
	state.pendingPrompt = true
	state.mu.Unlock()

	prompt := planningPrompt(session.ID, postExecution)
	terminalID := session.TerminalID

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			state.mu.Lock()
			state.pendingPrompt = false
			state.mu.Unlock()
		}()

		if err := c.terminals.Write(terminalID, []byte(prompt)); err != nil {
			c.logger.Warn("planning prompt write failed",
				zap.String("session_id", session.ID), zap.Error(err))
			return
		}
		if !c.sleep(c.cfg.PasteSettle()) {
			return
		}
		if err := c.terminals.Write(terminalID, []byte("\r")); err != nil {
			c.logger.Warn("planning prompt submit failed",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}()
}

func (c *Controller) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Controller) emitTTS(ctx context.Context, sessionID, text string) {
	data, err := events.ToMap(events.TTSEventData{SessionID: sessionID, Text: text})
	if err != nil {
		c.logger.Error("failed to encode tts payload", zap.Error(err))
		return
	}
	event := bus.NewEvent(events.TTSSpeak, "jarvis", data)
	if err := c.bus.Publish(ctx, events.TTSSpeak, event); err != nil {
		c.logger.Warn("failed to publish tts event", zap.Error(err))
	}
}
