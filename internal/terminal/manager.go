package terminal

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/logger"
)

var (
	// ErrNotFound is the soft result for operations on unknown or dead
	// terminals. Writes racing a child exit are expected, not errors.
	ErrNotFound = errors.New("terminal not found")
)

// pasteSettleDelay is the gap between pasting a command and submitting
// the carriage return. Long pastes need to settle in the CLI input
// buffer before submission.
const pasteSettleDelay = time.Second

// ExitFunc is invoked when a terminal's child exits, after the entry has
// been removed from the manager.
type ExitFunc func(terminalID string, exitCode int)

// Manager owns all live terminals, keyed by terminal id.
type Manager struct {
	terminals map[string]*Terminal
	mu        sync.RWMutex
	logger    *logger.Logger
	onExit    ExitFunc
}

// NewManager creates an empty terminal manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		terminals: make(map[string]*Terminal),
		logger:    log.WithFields(zap.String("component", "terminal-manager")),
	}
}

// SetExitHandler registers the callback for child exits. Must be called
// before the first Create.
func (m *Manager) SetExitHandler(fn ExitFunc) {
	m.onExit = fn
}

// Create spawns a terminal for the given id, or returns the existing one:
// create with an existing id is reuse, not replace. Callers wanting a
// fresh shell must Kill first.
func (m *Manager) Create(terminalID string, opts Options) (*Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.terminals[terminalID]; ok {
		return existing, nil
	}

	t, err := newTerminal(terminalID, opts, m.logger, m.handleExit)
	if err != nil {
		return nil, err
	}
	m.terminals[terminalID] = t
	return t, nil
}

// Get returns the terminal for an id.
func (m *Manager) Get(terminalID string) (*Terminal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.terminals[terminalID]
	return t, ok
}

// Write passes bytes to the child unchanged. Returns ErrNotFound for
// unknown or dead terminals.
func (m *Manager) Write(terminalID string, data []byte) error {
	t, ok := m.Get(terminalID)
	if !ok {
		return ErrNotFound
	}
	if _, err := t.Write(data); err != nil {
		return ErrNotFound
	}
	return nil
}

// Resize changes the PTY window size.
func (m *Manager) Resize(terminalID string, cols, rows int) error {
	t, ok := m.Get(terminalID)
	if !ok {
		return ErrNotFound
	}
	if err := t.Resize(cols, rows); err != nil {
		return ErrNotFound
	}
	return nil
}

// Kill terminates the child and removes the entry.
func (m *Manager) Kill(terminalID string) error {
	m.mu.Lock()
	t, ok := m.terminals[terminalID]
	if ok {
		delete(m.terminals, terminalID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	t.stop()
	return nil
}

// List returns all live terminal ids, sorted for stable output.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Execute pastes a command into the terminal and submits it with a
// carriage return after the paste has settled.
func (m *Manager) Execute(terminalID string, command string) error {
	if err := m.Write(terminalID, []byte(command)); err != nil {
		return err
	}

	go func() {
		time.Sleep(pasteSettleDelay)
		if err := m.Write(terminalID, []byte("\r")); err != nil {
			m.logger.Debug("execute submit failed",
				zap.String("terminal_id", terminalID),
				zap.Error(err))
		}
	}()

	return nil
}

// HasActiveDescendants reports whether anything beyond the shell itself
// is running in the terminal: true while the CLI (or anything it
// spawned) is alive, false when only the idle shell remains.
func (m *Manager) HasActiveDescendants(terminalID string) (bool, error) {
	t, ok := m.Get(terminalID)
	if !ok {
		return false, ErrNotFound
	}
	pid := t.Pid()
	if pid == 0 || !t.Running() {
		return false, nil
	}
	return hasDescendants(pid), nil
}

// StopAll kills every terminal. Used at daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	terminals := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terminals = append(terminals, t)
	}
	m.terminals = make(map[string]*Terminal)
	m.mu.Unlock()

	for _, t := range terminals {
		t.stop()
	}
}

// handleExit removes the entry for an exited child and forwards the exit
// to the registered handler.
func (m *Manager) handleExit(terminalID string, exitCode int) {
	m.mu.Lock()
	_, present := m.terminals[terminalID]
	if present {
		delete(m.terminals, terminalID)
	}
	m.mu.Unlock()

	// Kill and StopAll already removed the entry themselves; only
	// unexpected exits reach the handler.
	if present && m.onExit != nil {
		m.onExit(terminalID, exitCode)
	}
}
