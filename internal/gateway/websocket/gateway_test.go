package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jarvisd/jarvisd/internal/common/config"
	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/events"
	"github.com/jarvisd/jarvisd/internal/events/bus"
	"github.com/jarvisd/jarvisd/internal/jarvis"
	"github.com/jarvisd/jarvisd/internal/registry"
	"github.com/jarvisd/jarvisd/internal/scheduler"
	"github.com/jarvisd/jarvisd/internal/store"
	"github.com/jarvisd/jarvisd/internal/terminal"
	ws "github.com/jarvisd/jarvisd/pkg/websocket"
)

type fixture struct {
	hub   *Hub
	bus   *bus.MemoryEventBus
	store *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	terminals := terminal.NewManager(log)
	t.Cleanup(terminals.StopAll)

	sched := scheduler.New(terminals, log)
	t.Cleanup(sched.Stop)

	mapping := store.NewExecutionMapping(filepath.Join(t.TempDir(), "execution-mapping.json"))
	reg := registry.New(st, terminals, mapping, eventBus, log)
	controller := jarvis.New(reg, terminals, sched, mapping, eventBus, config.JarvisConfig{
		PasteSettleMs: 10, ClearContextMs: 20, ExecutionSendMs: 40, PostExecutionMs: 10,
	}, log)
	t.Cleanup(controller.Stop)

	hub := NewHub(ws.NewDispatcher(), log)
	RegisterHealthHandler(hub.GetDispatcher())
	NewTerminalHandler(terminals, sched, hub, log)
	NewSessionHandler(reg, controller, terminals, hub, log)

	return &fixture{hub: hub, bus: eventBus, store: st}
}

func dispatch(t *testing.T, f *fixture, action string, payload interface{}) *ws.Message {
	t.Helper()
	msg, err := ws.NewRequest("req-1", action, payload)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := f.hub.GetDispatcher().Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	return resp
}

func errorCode(t *testing.T, msg *ws.Message) string {
	t.Helper()
	if msg.Type != ws.MessageTypeError {
		t.Fatalf("Expected error message, got %s", msg.Type)
	}
	var payload ws.ErrorPayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	return payload.Code
}

func skipIfNoPTY(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("PTY tests not supported on windows")
	}
	if os.Getenv("CI") != "" {
		t.Skip("Skipping PTY test in CI environment")
	}
}

func TestDispatcher_UnknownAction(t *testing.T) {
	f := newFixture(t)

	resp := dispatch(t, f, "nope.nothing", nil)
	if code := errorCode(t, resp); code != ws.ErrorCodeUnknownAction {
		t.Errorf("Expected UNKNOWN_ACTION, got %s", code)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)

	resp := dispatch(t, f, ws.ActionHealthCheck, nil)
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("Expected response, got %s", resp.Type)
	}
	var payload map[string]interface{}
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("Expected ok status, got %v", payload)
	}
}

func TestTerminalHandler_Validation(t *testing.T) {
	f := newFixture(t)

	resp := dispatch(t, f, ws.ActionTerminalCreate, map[string]interface{}{})
	if code := errorCode(t, resp); code != ws.ErrorCodeValidation {
		t.Errorf("Expected VALIDATION_ERROR, got %s", code)
	}

	resp = dispatch(t, f, ws.ActionTerminalResize, map[string]interface{}{
		"terminal_id": "t1", "cols": 0, "rows": 24,
	})
	if code := errorCode(t, resp); code != ws.ErrorCodeValidation {
		t.Errorf("Expected VALIDATION_ERROR for zero cols, got %s", code)
	}
}

func TestTerminalHandler_UnknownTerminalIsNotFound(t *testing.T) {
	f := newFixture(t)

	resp := dispatch(t, f, ws.ActionTerminalInput, map[string]interface{}{
		"terminal_id": "missing", "data": "aGk=",
	})
	if code := errorCode(t, resp); code != ws.ErrorCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %s", code)
	}

	resp = dispatch(t, f, ws.ActionTerminalKill, map[string]interface{}{
		"terminal_id": "missing",
	})
	if code := errorCode(t, resp); code != ws.ErrorCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %s", code)
	}
}

func TestTerminalHandler_List(t *testing.T) {
	f := newFixture(t)

	resp := dispatch(t, f, ws.ActionTerminalList, nil)
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("Expected response, got %s", resp.Type)
	}
	var payload struct {
		Terminals []string `json:"terminals"`
	}
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if len(payload.Terminals) != 0 {
		t.Errorf("Expected empty list, got %v", payload.Terminals)
	}
}

func TestTerminalHandler_ScheduleExecutionValidation(t *testing.T) {
	f := newFixture(t)

	resp := dispatch(t, f, ws.ActionTerminalScheduleExecution, map[string]interface{}{
		"terminal_id": "t1", "delay_seconds": -1, "command": "/clear",
	})
	if code := errorCode(t, resp); code != ws.ErrorCodeValidation {
		t.Errorf("Expected VALIDATION_ERROR, got %s", code)
	}

	// Accepted even though the terminal does not exist; the write
	// fails harmlessly at delivery time.
	resp = dispatch(t, f, ws.ActionTerminalScheduleExecution, map[string]interface{}{
		"terminal_id": "t1", "delay_seconds": 0.01, "command": "/clear",
	})
	if resp.Type != ws.MessageTypeResponse {
		t.Errorf("Expected accept, got %s", resp.Type)
	}
}

func TestTerminalHandler_KillDuringOutputStream(t *testing.T) {
	skipIfNoPTY(t)
	f := newFixture(t)

	resp := dispatch(t, f, ws.ActionTerminalCreate, map[string]interface{}{
		"terminal_id": "t-race", "work_dir": t.TempDir(),
	})
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("Create failed: %+v", resp)
	}

	// Flood the PTY so the read loop is still broadcasting when the
	// pump is torn down. A broadcast racing the teardown must never
	// land on a closed channel.
	cmd := base64.StdEncoding.EncodeToString([]byte("seq 1 100000\r"))
	dispatch(t, f, ws.ActionTerminalInput, map[string]interface{}{
		"terminal_id": "t-race", "data": cmd,
	})
	time.Sleep(50 * time.Millisecond)

	resp = dispatch(t, f, ws.ActionTerminalKill, map[string]interface{}{
		"terminal_id": "t-race",
	})
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("Kill failed: %+v", resp)
	}

	// Buffered PTY output keeps draining briefly after the kill; give a
	// racing broadcast time to surface.
	time.Sleep(200 * time.Millisecond)
}

func TestSessionHandler_ListEmpty(t *testing.T) {
	f := newFixture(t)

	resp := dispatch(t, f, ws.ActionSessionList, nil)
	var payload struct {
		Sessions        []json.RawMessage `json:"sessions"`
		ActiveSessionID string            `json:"active_session_id"`
	}
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if len(payload.Sessions) != 0 || payload.ActiveSessionID != "" {
		t.Errorf("Expected empty list, got %+v", payload)
	}
}

func TestSessionHandler_Validation(t *testing.T) {
	f := newFixture(t)

	resp := dispatch(t, f, ws.ActionSessionCreate, map[string]interface{}{"name": "x"})
	if code := errorCode(t, resp); code != ws.ErrorCodeValidation {
		t.Errorf("Expected VALIDATION_ERROR, got %s", code)
	}

	resp = dispatch(t, f, ws.ActionSessionSendMessage, map[string]interface{}{"session_id": "s1"})
	if code := errorCode(t, resp); code != ws.ErrorCodeValidation {
		t.Errorf("Expected VALIDATION_ERROR, got %s", code)
	}
}

func TestSessionHandler_UnknownSessionIsNotFound(t *testing.T) {
	f := newFixture(t)

	resp := dispatch(t, f, ws.ActionSessionDelete, map[string]interface{}{"session_id": "missing"})
	if code := errorCode(t, resp); code != ws.ErrorCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %s", code)
	}

	resp = dispatch(t, f, ws.ActionSessionToggleJarvis, map[string]interface{}{
		"session_id": "missing", "jarvis_mode": true,
	})
	if code := errorCode(t, resp); code != ws.ErrorCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %s", code)
	}
}

func TestSessionHandler_ExecutePlanRejectedWithoutPlan(t *testing.T) {
	f := newFixture(t)

	session := &store.Session{Name: "alpha", TerminalID: "term-alpha", ProjectPath: "/proj", JarvisMode: true}
	if err := f.store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	resp := dispatch(t, f, ws.ActionJarvisExecutePlan, map[string]interface{}{"session_id": session.ID})
	if code := errorCode(t, resp); code != ws.ErrorCodeValidation {
		t.Errorf("Expected VALIDATION_ERROR, got %s", code)
	}
}

func TestBroadcaster_ForwardsSessionEvents(t *testing.T) {
	f := newFixture(t)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	RegisterNotifications(ctx, f.bus, f.hub, log)

	go f.hub.Run(ctx)

	data, err := events.ToMap(events.SessionEventData{SessionID: "s1", Name: "alpha"})
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	event := bus.NewEvent(events.SessionUpdated, "test", data)
	if err := f.bus.Publish(context.Background(), events.SessionUpdated, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// No client is connected; delivery is a no-op. This only verifies
	// the bridge consumes events without error.
	time.Sleep(100 * time.Millisecond)
}

func TestBroadcaster_StatusUpdates(t *testing.T) {
	f := newFixture(t)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := RegisterNotifications(ctx, f.bus, f.hub, log)
	if len(b.subscriptions) == 0 {
		t.Fatal("Expected active subscriptions")
	}

	data, err := events.ToMap(events.LogEventData{CLISessionID: "cli-1"})
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	event := bus.NewEvent(events.LogUserPrompt, "test", data)
	if err := f.bus.Publish(context.Background(), events.LogUserPrompt, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	b.Close()
	if b.subscriptions != nil {
		t.Error("Expected subscriptions cleared after close")
	}
}
