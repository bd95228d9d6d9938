// Package correlate links Claude CLI transcript streams to sessions.
//
// The CLI rewrites its session id on resume, branch and clone; the only
// reliable join is the parent-message-id chain. The correlator consumes
// correlation candidates from the log watcher and keeps each session's
// cliSessionId pointed at the file the user is actually conversing in.
// It never scans the filesystem.
package correlate

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/common/tracing"
	"github.com/jarvisd/jarvisd/internal/events"
	"github.com/jarvisd/jarvisd/internal/events/bus"
	"github.com/jarvisd/jarvisd/internal/store"
)

// Correlator subscribes to log watcher events and maintains the
// session <-> cliSessionId attachment in the store.
type Correlator struct {
	store   *store.Store
	mapping *store.ExecutionMapping
	bus     bus.EventBus
	logger  *logger.Logger

	subs []bus.Subscription
}

// New creates a correlator. The execution mapping may be nil when
// execution continuation is not in use.
func New(st *store.Store, mapping *store.ExecutionMapping, eventBus bus.EventBus, log *logger.Logger) *Correlator {
	return &Correlator{
		store:   st,
		mapping: mapping,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "correlator")),
	}
}

// Start subscribes to correlation candidates and session starts.
func (c *Correlator) Start() error {
	candidateSub, err := c.bus.Subscribe(events.LogCorrelationCandidate, func(ctx context.Context, event *bus.Event) error {
		var data events.LogEventData
		if err := events.ParseEventData(event.Data, &data); err != nil {
			c.logger.Warn("bad correlation candidate payload", zap.Error(err))
			return nil
		}
		c.handleCandidate(ctx, data)
		return nil
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, candidateSub)

	startSub, err := c.bus.Subscribe(events.LogSessionStart, func(ctx context.Context, event *bus.Event) error {
		var data events.LogEventData
		if err := events.ParseEventData(event.Data, &data); err != nil {
			c.logger.Warn("bad session start payload", zap.Error(err))
			return nil
		}
		c.handleSessionStart(ctx, data)
		return nil
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, startSub)

	return nil
}

// Stop removes the bus subscriptions.
func (c *Correlator) Stop() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

// handleCandidate runs the chain algorithm for one record.
func (c *Correlator) handleCandidate(ctx context.Context, data events.LogEventData) {
	if data.CLISessionID == "" || data.MessageID == "" {
		return
	}

	if data.ParentID == "" {
		c.handleRoot(ctx, data)
		return
	}
	c.handleChained(ctx, data)
}

// handleRoot attaches a conversation root. A root in an already-attached
// stream (the CLI clears context without rewriting its id) is a
// continuation, not a new claim.
func (c *Correlator) handleRoot(ctx context.Context, data events.LogEventData) {
	if session, err := c.store.FindSessionByCLISessionID(ctx, data.CLISessionID); err == nil {
		c.advanceChain(ctx, session.ID, data.MessageID)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("cli session lookup failed", zap.Error(err))
		return
	}

	session, err := c.store.OldestUnattachedSession(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Conversation not initiated through this orchestrator.
			return
		}
		c.logger.Error("unattached session lookup failed", zap.Error(err))
		return
	}

	ctx, span := tracing.Tracer("correlator").Start(ctx, "correlate.attach")
	span.SetAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("cli_session.id", data.CLISessionID),
	)
	defer span.End()

	cliID := data.CLISessionID
	messageID := data.MessageID
	if err := c.store.PatchSession(ctx, session.ID, &store.SessionPatch{
		CLISessionID:  &cliID,
		LastMessageID: &messageID,
	}); err != nil {
		c.logger.Error("failed to attach session", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	if err := c.store.PutCorrelation(ctx, messageID, session.ID); err != nil {
		c.logger.Error("failed to write correlation", zap.Error(err))
	}

	c.logger.Info("attached cli session",
		zap.String("session_id", session.ID),
		zap.String("cli_session_id", cliID))
	c.broadcastUpdated(ctx, session.ID)
}

// handleChained follows the parent chain. A cliSessionId change on a
// known chain is the CLI rewriting its id; the rewrite and the chain
// advance are absorbed into a single session-updated broadcast.
func (c *Correlator) handleChained(ctx context.Context, data events.LogEventData) {
	sessionID, err := c.store.LookupSessionByMessageID(ctx, data.ParentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Chain originated outside any tracked session.
			return
		}
		c.logger.Error("chain lookup failed", zap.Error(err))
		return
	}

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		c.logger.Error("session load failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	patch := store.SessionPatch{LastMessageID: &data.MessageID}
	rewritten := session.CLISessionID == nil || *session.CLISessionID != data.CLISessionID
	if rewritten {
		c.releaseConflicting(ctx, data.CLISessionID, sessionID)
		cliID := data.CLISessionID
		patch.CLISessionID = &cliID
	}

	if err := c.store.PatchSession(ctx, sessionID, &patch); err != nil {
		c.logger.Error("failed to advance session chain", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := c.store.PutCorrelation(ctx, data.MessageID, sessionID); err != nil {
		c.logger.Error("failed to write correlation", zap.Error(err))
	}

	if rewritten {
		c.logger.Info("cli session id rewritten",
			zap.String("session_id", sessionID),
			zap.String("cli_session_id", data.CLISessionID))
		c.broadcastUpdated(ctx, sessionID)
	}
}

func (c *Correlator) advanceChain(ctx context.Context, sessionID, messageID string) {
	if err := c.store.PatchSession(ctx, sessionID, &store.SessionPatch{
		LastMessageID: &messageID,
	}); err != nil {
		c.logger.Error("failed to advance session chain", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := c.store.PutCorrelation(ctx, messageID, sessionID); err != nil {
		c.logger.Error("failed to write correlation", zap.Error(err))
	}
}

// releaseConflicting clears a cliSessionId held by another session so
// the later claim wins. One cliSessionId maps to at most one session.
func (c *Correlator) releaseConflicting(ctx context.Context, cliSessionID, claimantID string) {
	other, err := c.store.FindSessionByCLISessionID(ctx, cliSessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("conflict lookup failed", zap.Error(err))
		}
		return
	}
	if other.ID == claimantID {
		return
	}

	c.logger.Error("cli session id conflict, releasing earlier attachment",
		zap.String("cli_session_id", cliSessionID),
		zap.String("released_session_id", other.ID),
		zap.String("claimed_by_session_id", claimantID))

	if err := c.store.PatchSession(ctx, other.ID, &store.SessionPatch{ClearCLISessionID: true}); err != nil {
		c.logger.Error("failed to release conflicting attachment", zap.Error(err))
		return
	}
	c.broadcastUpdated(ctx, other.ID)
}

// handleSessionStart recognizes the execution continuation of a session:
// after a planning->execution handoff the CLI is restarted and its fresh
// stream is otherwise an orphan. The pending execution record written at
// handoff time names the session to link.
func (c *Correlator) handleSessionStart(ctx context.Context, data events.LogEventData) {
	if c.mapping == nil || data.CLISessionID == "" {
		return
	}

	if _, err := c.store.FindSessionByCLISessionID(ctx, data.CLISessionID); err == nil {
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("cli session lookup failed", zap.Error(err))
		return
	}

	record, ok, err := c.mapping.Take(data.CWD)
	if err != nil {
		c.logger.Error("execution mapping read failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	if _, err := c.store.GetSession(ctx, record.SessionID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("session load failed", zap.Error(err))
		}
		return
	}

	cliID := data.CLISessionID
	if err := c.store.PatchSession(ctx, record.SessionID, &store.SessionPatch{
		CLISessionID: &cliID,
	}); err != nil {
		c.logger.Error("failed to link execution continuation",
			zap.String("session_id", record.SessionID), zap.Error(err))
		return
	}

	c.logger.Info("linked execution continuation",
		zap.String("session_id", record.SessionID),
		zap.String("cli_session_id", cliID))
	c.broadcastUpdated(ctx, record.SessionID)
}

// broadcastUpdated publishes one session-updated event with the
// session's current state.
func (c *Correlator) broadcastUpdated(ctx context.Context, sessionID string) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		c.logger.Error("session load for broadcast failed", zap.Error(err))
		return
	}

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
		c.logger.Error("failed to encode session payload", zap.Error(err))
		return
	}
	event := bus.NewEvent(events.SessionUpdated, "correlator", data)
	if err := c.bus.Publish(ctx, events.SessionUpdated, event); err != nil {
		c.logger.Warn("failed to broadcast session update", zap.Error(err))
	}
}
