package terminal

import (
	"bytes"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jarvisd/jarvisd/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
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

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(newTestLogger(t))
	t.Cleanup(m.StopAll)
	return m
}

func TestManager_CreateIsIdempotent(t *testing.T) {
	skipIfNoPTY(t)
	m := newTestManager(t)

	first, err := m.Create("term-1", Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := m.Create("term-1", Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Second create failed: %v", err)
	}
	if first != second {
		t.Error("Expected create with existing id to return the same terminal")
	}
	if first.Pid() == 0 {
		t.Error("Expected live child process")
	}
}

func TestManager_KillThenCreateIsFresh(t *testing.T) {
	skipIfNoPTY(t)
	m := newTestManager(t)

	first, err := m.Create("term-1", Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	firstPid := first.Pid()

	if err := m.Kill("term-1"); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	second, err := m.Create("term-1", Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create after kill failed: %v", err)
	}
	if second == first || second.Pid() == firstPid {
		t.Error("Expected a fresh terminal after kill")
	}
}

func TestManager_WriteToUnknownTerminal(t *testing.T) {
	m := newTestManager(t)

	if err := m.Write("missing", []byte("hello")); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := m.Resize("missing", 80, 24); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := m.Kill("missing"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := m.HasActiveDescendants("missing"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_List(t *testing.T) {
	skipIfNoPTY(t)
	m := newTestManager(t)

	for _, id := range []string{"term-b", "term-a"} {
		if _, err := m.Create(id, Options{WorkDir: t.TempDir()}); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	ids := m.List()
	if len(ids) != 2 || ids[0] != "term-a" || ids[1] != "term-b" {
		t.Errorf("Expected sorted [term-a term-b], got %v", ids)
	}
}

func TestManager_OutputFanOut(t *testing.T) {
	skipIfNoPTY(t)
	m := newTestManager(t)

	term, err := m.Create("term-1", Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ch := make(chan []byte, 64)
	term.Subscribe(ch)
	defer term.Unsubscribe(ch)

	if err := m.Write("term-1", []byte("echo fan-out-marker\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	var output bytes.Buffer
	for {
		select {
		case chunk := <-ch:
			output.Write(chunk)
			if strings.Contains(output.String(), "fan-out-marker") {
				return
			}
		case <-deadline:
			t.Fatalf("Timeout waiting for output, got: %q", output.String())
		}
	}
}

func TestManager_BufferedOutputForLateSubscribers(t *testing.T) {
	skipIfNoPTY(t)
	m := newTestManager(t)

	term, err := m.Create("term-1", Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.Write("term-1", []byte("echo scrollback-marker\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(string(term.BufferedOutput()), "scrollback-marker") {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("Expected marker in buffered output")
}

func TestManager_ExitHandlerOnChildDeath(t *testing.T) {
	skipIfNoPTY(t)
	m := NewManager(newTestLogger(t))

	exited := make(chan string, 1)
	m.SetExitHandler(func(terminalID string, exitCode int) {
		exited <- terminalID
	})

	if _, err := m.Create("term-1", Options{WorkDir: t.TempDir()}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.Write("term-1", []byte("exit\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case id := <-exited:
		if id != "term-1" {
			t.Errorf("Expected term-1, got %s", id)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for exit handler")
	}

	if len(m.List()) != 0 {
		t.Errorf("Expected terminal removed after exit, got %v", m.List())
	}
}

func TestManager_HasActiveDescendants(t *testing.T) {
	skipIfNoPTY(t)
	m := newTestManager(t)

	if _, err := m.Create("term-1", Options{WorkDir: t.TempDir()}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Idle shell: nothing but the shell itself
	time.Sleep(500 * time.Millisecond)
	busy, err := m.HasActiveDescendants("term-1")
	if err != nil {
		t.Fatalf("HasActiveDescendants failed: %v", err)
	}
	if busy {
		t.Error("Expected no descendants for idle shell")
	}

	// Long-running child
	if err := m.Write("term-1", []byte("sleep 5\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		busy, err = m.HasActiveDescendants("term-1")
		if err != nil {
			t.Fatalf("HasActiveDescendants failed: %v", err)
		}
		if busy {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Error("Expected descendants while sleep is running")
}
