package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/events"
	"github.com/jarvisd/jarvisd/internal/events/bus"
	"github.com/jarvisd/jarvisd/internal/store"
	"github.com/jarvisd/jarvisd/internal/terminal"
)

type fixture struct {
	registry *Registry
	store    *store.Store
	mapping  *store.ExecutionMapping

	mu     sync.Mutex
	events []*bus.Event
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

	f := &fixture{
		store:   st,
		mapping: store.NewExecutionMapping(filepath.Join(t.TempDir(), "execution-mapping.json")),
	}
	f.registry = New(st, terminals, f.mapping, eventBus, log)

	_, err = eventBus.Subscribe("session.*", func(ctx context.Context, event *bus.Event) error {
		f.mu.Lock()
		f.events = append(f.events, event)
		f.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	return f
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

// seedSession inserts a session row directly, without a terminal.
func (f *fixture) seedSession(t *testing.T, name string) *store.Session {
	t.Helper()
	session := &store.Session{Name: name, TerminalID: "term-" + name, ProjectPath: "/proj/" + name}
	if err := f.store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session
}

func (f *fixture) waitForEvents(t *testing.T, eventType string, count int) []*bus.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		var matched []*bus.Event
		for _, e := range f.events {
			if e.Type == eventType {
				matched = append(matched, e)
			}
		}
		f.mu.Unlock()
		if len(matched) >= count {
			return matched
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %d %s events", count, eventType)
	return nil
}

func TestRegistry_CreateSession(t *testing.T) {
	skipIfNoPTY(t)
	f := newFixture(t)

	session, err := f.registry.CreateSession(context.Background(), "build feature", t.TempDir())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.ID == "" || session.TerminalID != session.ID {
		t.Errorf("Unexpected id allocation: %+v", session)
	}
	if session.Mode != store.ModePlanning {
		t.Errorf("Expected planning mode, got %q", session.Mode)
	}

	stored, err := f.registry.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Name != "build feature" {
		t.Errorf("Expected persisted name, got %q", stored.Name)
	}

	evts := f.waitForEvents(t, events.SessionCreated, 1)
	var data events.SessionEventData
	if err := events.ParseEventData(evts[0].Data, &data); err != nil {
		t.Fatalf("ParseEventData failed: %v", err)
	}
	if data.SessionID != session.ID {
		t.Errorf("Broadcast carries wrong session: %+v", data)
	}
}

func TestRegistry_PromoteSessionIsPreBound(t *testing.T) {
	skipIfNoPTY(t)
	f := newFixture(t)

	session, err := f.registry.PromoteSession(context.Background(), "cli-orphan", "adopted", t.TempDir())
	if err != nil {
		t.Fatalf("PromoteSession failed: %v", err)
	}
	if session.CLISessionID == nil || *session.CLISessionID != "cli-orphan" {
		t.Errorf("Expected pre-bound cli session id, got %+v", session)
	}

	// Promoting the same conversation twice reuses the session.
	again, err := f.registry.PromoteSession(context.Background(), "cli-orphan", "adopted", t.TempDir())
	if err != nil {
		t.Fatalf("Second promote failed: %v", err)
	}
	if again.ID != session.ID {
		t.Errorf("Expected same session, got %s and %s", session.ID, again.ID)
	}
}

func TestRegistry_DeleteSessionReportsSubSteps(t *testing.T) {
	f := newFixture(t)
	session := f.seedSession(t, "alpha")

	if err := f.store.PutCorrelation(context.Background(), "m1", session.ID); err != nil {
		t.Fatalf("PutCorrelation failed: %v", err)
	}
	if err := f.mapping.Put(store.ExecutionRecord{
		SessionID:   session.ID,
		ProjectPath: session.ProjectPath,
	}); err != nil {
		t.Fatalf("Mapping put failed: %v", err)
	}

	result, err := f.registry.DeleteSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if !result.SessionRowRemoved || !result.CorrelationCleared {
		t.Errorf("Expected row and correlation cleanup, got %+v", result)
	}
	// No terminal was ever allocated for the seeded row.
	if result.TerminalKilled {
		t.Error("Expected terminalKilled=false for seeded session")
	}

	if _, err := f.registry.Get(context.Background(), session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if _, ok, _ := f.mapping.Take(session.ProjectPath); ok {
		t.Error("Expected execution mapping record removed")
	}

	f.waitForEvents(t, events.SessionDeleted, 1)
}

func TestRegistry_DeleteUnknownSession(t *testing.T) {
	f := newFixture(t)

	if _, err := f.registry.DeleteSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_UpdateJarvisModeBroadcastsOnce(t *testing.T) {
	f := newFixture(t)
	session := f.seedSession(t, "alpha")

	updated, err := f.registry.UpdateJarvisMode(context.Background(), session.ID, true)
	if err != nil {
		t.Fatalf("UpdateJarvisMode failed: %v", err)
	}
	if !updated.JarvisMode {
		t.Error("Expected jarvisMode true")
	}

	evts := f.waitForEvents(t, events.SessionJarvisUpdated, 1)
	var data events.SessionEventData
	if err := events.ParseEventData(evts[0].Data, &data); err != nil {
		t.Fatalf("ParseEventData failed: %v", err)
	}
	if !data.JarvisMode || data.SessionID != session.ID {
		t.Errorf("Unexpected broadcast payload: %+v", data)
	}
}

func TestRegistry_UpdateModeValidation(t *testing.T) {
	f := newFixture(t)
	session := f.seedSession(t, "alpha")

	if err := f.registry.UpdateMode(context.Background(), session.ID, "turbo"); err == nil {
		t.Error("Expected invalid mode to be rejected")
	}
	if err := f.registry.UpdateMode(context.Background(), session.ID, store.ModeExecution); err != nil {
		t.Fatalf("UpdateMode failed: %v", err)
	}

	stored, _ := f.registry.Get(context.Background(), session.ID)
	if stored.Mode != store.ModeExecution {
		t.Errorf("Expected execution mode, got %q", stored.Mode)
	}
}

func TestRegistry_SetActiveAndList(t *testing.T) {
	f := newFixture(t)
	first := f.seedSession(t, "alpha")
	second := f.seedSession(t, "beta")

	if err := f.registry.SetActive(context.Background(), second.ID); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if err := f.registry.SetActive(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown session, got %v", err)
	}

	sessions, active, err := f.registry.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != first.ID {
		t.Errorf("Unexpected session list: %+v", sessions)
	}
	if active != second.ID {
		t.Errorf("Expected active %s, got %s", second.ID, active)
	}
}

func TestRegistry_ClearCLIAttachment(t *testing.T) {
	f := newFixture(t)
	session := f.seedSession(t, "alpha")

	if err := f.registry.LinkCLI(context.Background(), session.ID, "cli-1"); err != nil {
		t.Fatalf("LinkCLI failed: %v", err)
	}
	if err := f.store.PutCorrelation(context.Background(), "m1", session.ID); err != nil {
		t.Fatalf("PutCorrelation failed: %v", err)
	}
	if err := f.registry.ClearCLIAttachment(context.Background(), session.ID); err != nil {
		t.Fatalf("ClearCLIAttachment failed: %v", err)
	}

	stored, _ := f.registry.Get(context.Background(), session.ID)
	if stored.CLISessionID != nil || stored.LastMessageID != "" {
		t.Errorf("Expected cleared attachment, got %+v", stored)
	}
	// The old stream must not be able to chain back to the session.
	if _, err := f.store.LookupSessionByMessageID(context.Background(), "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected correlation row removed, got %v", err)
	}
}

func TestRegistry_UpdatePlan(t *testing.T) {
	f := newFixture(t)
	session := f.seedSession(t, "alpha")

	if err := f.registry.UpdatePlan(context.Background(), session.ID, "1. do it"); err != nil {
		t.Fatalf("UpdatePlan failed: %v", err)
	}
	stored, _ := f.registry.Get(context.Background(), session.ID)
	if stored.Plan != "1. do it" {
		t.Errorf("Expected stored plan, got %q", stored.Plan)
	}
}
