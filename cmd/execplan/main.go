// Package main is the execute-plan tool the Claude CLI invokes from
// inside a jarvis session. It runs out of process from the daemon: it
// flips the active session into execution mode through the shared
// store, records the pending context reset in the execution mapping,
// and submits the clear and execution prompts through the daemon's
// WebSocket gateway. Its stdout is rendered to the user by the CLI,
// so it prints exactly one line.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"

	"github.com/jarvisd/jarvisd/internal/common/config"
	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/jarvis"
	"github.com/jarvisd/jarvisd/internal/store"
	ws "github.com/jarvisd/jarvisd/pkg/websocket"
)

const dialTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Printf("Could not start execution: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Plan accepted. Clearing context and starting execution.")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// The tool's own logging goes to stderr; stdout belongs to the CLI.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "text",
		OutputPath: "stderr",
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer st.Close()

	activeID, err := st.GetActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("reading active session: %w", err)
	}
	if activeID == "" {
		return fmt.Errorf("no active session")
	}

	session, err := st.GetSession(ctx, activeID)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", activeID, err)
	}
	if !session.JarvisMode {
		return fmt.Errorf("jarvis mode is not enabled for session %s", session.Name)
	}
	if session.Plan == "" {
		return fmt.Errorf("session %s has no plan to execute", session.Name)
	}
	if session.Mode == store.ModeExecution {
		return fmt.Errorf("session %s is already executing", session.Name)
	}

	// Flip the mode and detach the CLI stream. The /clear that follows
	// starts a fresh transcript; the mapping record lets the daemon's
	// correlator re-attach it to this session.
	mode := store.ModeExecution
	empty := ""
	if err := st.PatchSession(ctx, session.ID, &store.SessionPatch{
		Mode:              &mode,
		ClearCLISessionID: true,
		LastMessageID:     &empty,
	}); err != nil {
		return fmt.Errorf("updating session mode: %w", err)
	}
	// Without this the old stream's closing messages re-attach the
	// session through the parent chain and flip it back to planning.
	if err := st.RemoveCorrelation(ctx, session.ID); err != nil {
		return fmt.Errorf("detaching correlation: %w", err)
	}

	mapping := store.NewExecutionMapping(cfg.Claude.MappingPath())
	if err := mapping.Put(store.ExecutionRecord{
		SessionID:   session.ID,
		TerminalID:  session.TerminalID,
		ProjectPath: session.ProjectPath,
	}); err != nil {
		return fmt.Errorf("recording pending execution: %w", err)
	}

	// Submit the delayed commands through the gateway. The scheduler
	// owns delivery, so this process can exit immediately after.
	gatewayURL := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Path:   "/ws",
	}
	dialer := gorillaws.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, gatewayURL.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to jarvisd at %s: %w", gatewayURL.Host, err)
	}
	defer conn.Close()

	if err := scheduleCommand(conn, session.TerminalID,
		cfg.Jarvis.ClearContext(), jarvis.ClearContextCommand); err != nil {
		return err
	}
	if err := scheduleCommand(conn, session.TerminalID,
		cfg.Jarvis.ExecutionSend(), jarvis.ExecutionPrompt(session.ID, session.Plan)); err != nil {
		return err
	}

	return nil
}

// scheduleCommand submits one delayed command and waits for the
// gateway's acknowledgement.
func scheduleCommand(conn *gorillaws.Conn, terminalID string, delay time.Duration, command string) error {
	msg, err := ws.NewRequest(uuid.New().String(), ws.ActionTerminalScheduleExecution, map[string]interface{}{
		"terminal_id":   terminalID,
		"delay_seconds": delay.Seconds(),
		"command":       command,
	})
	if err != nil {
		return fmt.Errorf("building schedule request: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("sending schedule request: %w", err)
	}

	// Notifications can interleave with the response, and the gateway
	// batches queued messages into one frame separated by newlines.
	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading gateway response: %w", err)
		}
		for _, chunk := range bytes.Split(raw, []byte{'\n'}) {
			if len(chunk) == 0 {
				continue
			}
			var reply ws.Message
			if err := json.Unmarshal(chunk, &reply); err != nil {
				continue
			}
			if reply.ID != msg.ID {
				continue
			}
			if reply.Type == ws.MessageTypeError {
				var errPayload ws.ErrorPayload
				_ = reply.ParsePayload(&errPayload)
				return fmt.Errorf("gateway rejected command: %s", errPayload.Message)
			}
			return nil
		}
	}
}
