package correlate

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/events"
	"github.com/jarvisd/jarvisd/internal/events/bus"
	"github.com/jarvisd/jarvisd/internal/store"
)

type fixture struct {
	store      *store.Store
	mapping    *store.ExecutionMapping
	bus        *bus.MemoryEventBus
	correlator *Correlator

	mu      sync.Mutex
	updates []events.SessionEventData
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

	f := &fixture{
		store:   st,
		mapping: store.NewExecutionMapping(filepath.Join(t.TempDir(), "execution-mapping.json")),
		bus:     eventBus,
	}

	_, err = eventBus.Subscribe(events.SessionUpdated, func(ctx context.Context, event *bus.Event) error {
		var data events.SessionEventData
		if err := events.ParseEventData(event.Data, &data); err != nil {
			return err
		}
		f.mu.Lock()
		f.updates = append(f.updates, data)
		f.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	f.correlator = New(st, f.mapping, eventBus, log)
	if err := f.correlator.Start(); err != nil {
		t.Fatalf("Correlator start failed: %v", err)
	}
	t.Cleanup(f.correlator.Stop)

	return f
}

func (f *fixture) createSession(t *testing.T, name string) *store.Session {
	t.Helper()
	session := &store.Session{Name: name, TerminalID: "term-" + name, ProjectPath: "/proj/" + name}
	if err := f.store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session
}

func (f *fixture) publishCandidate(t *testing.T, cliID, messageID, parentID string) {
	t.Helper()
	data, err := events.ToMap(events.LogEventData{
		CLISessionID: cliID,
		MessageID:    messageID,
		ParentID:     parentID,
		FilePath:     "/logs/" + cliID + ".jsonl",
	})
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	event := bus.NewEvent(events.LogCorrelationCandidate, "test", data)
	if err := f.bus.Publish(context.Background(), events.LogCorrelationCandidate, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func (f *fixture) publishSessionStart(t *testing.T, cliID, cwd string) {
	t.Helper()
	data, err := events.ToMap(events.LogEventData{CLISessionID: cliID, CWD: cwd})
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	event := bus.NewEvent(events.LogSessionStart, "test", data)
	if err := f.bus.Publish(context.Background(), events.LogSessionStart, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

// waitForAttachment polls until the session's cliSessionId matches.
func (f *fixture) waitForAttachment(t *testing.T, sessionID, cliID string) *store.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := f.store.GetSession(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if session.CLISessionID != nil && *session.CLISessionID == cliID {
			return session
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for session %s to attach to %s", sessionID, cliID)
	return nil
}

func (f *fixture) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func TestCorrelator_FreshSessionClaimedByRoot(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t, "alpha")

	f.publishCandidate(t, "cli-1", "m1", "")

	attached := f.waitForAttachment(t, session.ID, "cli-1")
	if attached.LastMessageID != "m1" {
		t.Errorf("Expected lastMessageId m1, got %q", attached.LastMessageID)
	}

	gotID, err := f.store.LookupSessionByMessageID(context.Background(), "m1")
	if err != nil || gotID != session.ID {
		t.Errorf("Expected correlation row for m1 -> %s, got %s (%v)", session.ID, gotID, err)
	}
}

func TestCorrelator_OldestUnattachedWins(t *testing.T) {
	f := newFixture(t)
	first := f.createSession(t, "alpha")
	time.Sleep(10 * time.Millisecond)
	second := f.createSession(t, "beta")

	f.publishCandidate(t, "cli-1", "m1", "")
	f.waitForAttachment(t, first.ID, "cli-1")

	other, err := f.store.GetSession(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if other.CLISessionID != nil {
		t.Errorf("Second session should stay unattached, got %v", *other.CLISessionID)
	}
}

func TestCorrelator_OrphanRootIgnored(t *testing.T) {
	f := newFixture(t)

	f.publishCandidate(t, "cli-orphan", "m1", "")
	time.Sleep(200 * time.Millisecond)

	if _, err := f.store.LookupSessionByMessageID(context.Background(), "m1"); err == nil {
		t.Error("Orphan root should not create a correlation row")
	}
	if f.updateCount() != 0 {
		t.Errorf("Orphan root should not broadcast, got %d updates", f.updateCount())
	}
}

func TestCorrelator_RootAfterClearContextIsContinuation(t *testing.T) {
	f := newFixture(t)
	first := f.createSession(t, "alpha")
	f.publishCandidate(t, "cli-1", "m1", "")
	f.waitForAttachment(t, first.ID, "cli-1")

	time.Sleep(10 * time.Millisecond)
	second := f.createSession(t, "beta")

	// Same cli stream starts a fresh chain. The attached session keeps
	// it; the unattached one must not steal it.
	f.publishCandidate(t, "cli-1", "m2", "")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := f.store.GetSession(context.Background(), first.ID)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if session.LastMessageID == "m2" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	other, err := f.store.GetSession(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if other.CLISessionID != nil {
		t.Error("Unattached session must not claim an already-attached cli id")
	}
}

func TestCorrelator_CLISessionIDRewrite(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t, "alpha")

	f.publishCandidate(t, "cli-old", "m1", "")
	f.waitForAttachment(t, session.ID, "cli-old")
	before := f.updateCount()

	// The CLI resumed into a new file; the chain continues from m1.
	f.publishCandidate(t, "cli-new", "m2", "m1")

	attached := f.waitForAttachment(t, session.ID, "cli-new")
	if attached.LastMessageID != "m2" {
		t.Errorf("Expected lastMessageId m2, got %q", attached.LastMessageID)
	}

	// Rewrite and chain advance absorbed into one broadcast.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && f.updateCount() <= before {
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.updateCount() - before; got != 1 {
		t.Errorf("Expected exactly 1 update broadcast for the rewrite, got %d", got)
	}
}

func TestCorrelator_ChainAdvanceDoesNotBroadcast(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t, "alpha")

	f.publishCandidate(t, "cli-1", "m1", "")
	f.waitForAttachment(t, session.ID, "cli-1")
	before := f.updateCount()

	f.publishCandidate(t, "cli-1", "m2", "m1")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := f.store.GetSession(context.Background(), session.ID)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if s.LastMessageID == "m2" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := f.updateCount(); got != before {
		t.Errorf("Plain chain advance should not broadcast, got %d extra", got-before)
	}
}

func TestCorrelator_ConflictLaterClaimWins(t *testing.T) {
	f := newFixture(t)
	first := f.createSession(t, "alpha")
	time.Sleep(10 * time.Millisecond)
	second := f.createSession(t, "beta")

	f.publishCandidate(t, "cli-a", "a1", "")
	f.waitForAttachment(t, first.ID, "cli-a")
	f.publishCandidate(t, "cli-b", "b1", "")
	f.waitForAttachment(t, second.ID, "cli-b")

	// Second session's chain continues under cli-a: the later claim
	// takes the id and the earlier attachment is released.
	f.publishCandidate(t, "cli-a", "b2", "b1")
	f.waitForAttachment(t, second.ID, "cli-a")

	released, err := f.store.GetSession(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if released.CLISessionID != nil {
		t.Errorf("Earlier attachment should be cleared, got %v", *released.CLISessionID)
	}
}

func TestCorrelator_UnknownParentIgnored(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t, "alpha")

	f.publishCandidate(t, "cli-1", "m2", "missing-parent")
	time.Sleep(200 * time.Millisecond)

	s, err := f.store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if s.CLISessionID != nil || s.LastMessageID != "" {
		t.Errorf("Unknown parent should leave session untouched: %+v", s)
	}
}

func TestCorrelator_ExecutionContinuationLinked(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t, "alpha")

	if err := f.mapping.Put(store.ExecutionRecord{
		SessionID:   session.ID,
		TerminalID:  session.TerminalID,
		ProjectPath: session.ProjectPath,
	}); err != nil {
		t.Fatalf("Mapping put failed: %v", err)
	}

	f.publishSessionStart(t, "cli-exec", session.ProjectPath)

	f.waitForAttachment(t, session.ID, "cli-exec")

	// The pending record is consumed on use.
	if _, ok, err := f.mapping.Take(session.ProjectPath); err != nil || ok {
		t.Errorf("Expected mapping record consumed, ok=%v err=%v", ok, err)
	}
}

func TestCorrelator_SessionStartForAttachedStreamIgnored(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t, "alpha")

	f.publishCandidate(t, "cli-1", "m1", "")
	f.waitForAttachment(t, session.ID, "cli-1")

	if err := f.mapping.Put(store.ExecutionRecord{
		SessionID:   session.ID,
		TerminalID:  session.TerminalID,
		ProjectPath: session.ProjectPath,
	}); err != nil {
		t.Fatalf("Mapping put failed: %v", err)
	}

	// Already-attached stream restarting must not consume the record.
	f.publishSessionStart(t, "cli-1", session.ProjectPath)
	time.Sleep(200 * time.Millisecond)

	if _, ok, err := f.mapping.Take(session.ProjectPath); err != nil || !ok {
		t.Errorf("Expected mapping record untouched, ok=%v err=%v", ok, err)
	}
}
