// Package terminal provides the PTY multiplexer: one pseudo-terminal
// child per session, with output fan-out to any number of subscribers.
package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/logger"
)

// Maximum size of output buffer (16KB of recent history for late subscribers)
const maxOutputBufferSize = 16 * 1024

// SessionIDEnvVar is injected into the PTY child's environment so the
// CLI's helper tools can address the owning session.
const SessionIDEnvVar = "JARVIS_SESSION_ID"

// Terminal owns one PTY child process and fans its output out to
// subscribers. Exclusively owned by the Manager; never shared across
// sessions.
type Terminal struct {
	id      string
	logger  *logger.Logger
	workDir string
	shell   string
	args    []string

	pty *os.File
	cmd *exec.Cmd

	running   bool
	startedAt time.Time
	mu        sync.RWMutex

	subscribers map[chan<- []byte]struct{}
	subMu       sync.RWMutex

	outputBuffer []byte
	bufferMu     sync.RWMutex

	stopCh chan struct{}
	doneCh chan struct{}

	onExit func(id string, exitCode int)
}

// Options configures a new terminal.
type Options struct {
	WorkDir   string // Working directory for the shell
	Cols      int    // Initial terminal columns (default: 80)
	Rows      int    // Initial terminal rows (default: 24)
	SessionID string // Session id injected into the child environment
}

// detectShell returns the user's login shell.
func detectShell() (string, []string) {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}

	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}

	return "/bin/sh", nil
}

// newTerminal spawns the login shell on a fresh PTY.
func newTerminal(id string, opts Options, log *logger.Logger, onExit func(string, int)) (*Terminal, error) {
	shell, args := detectShell()

	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}

	t := &Terminal{
		id:          id,
		logger:      log.WithFields(zap.String("component", "terminal"), zap.String("terminal_id", id)),
		workDir:     opts.WorkDir,
		shell:       shell,
		args:        args,
		subscribers: make(map[chan<- []byte]struct{}),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		onExit:      onExit,
	}

	t.cmd = exec.Command(shell, args...)
	t.cmd.Dir = opts.WorkDir
	t.cmd.Env = buildEnv(opts.WorkDir, opts.SessionID)

	var err error
	t.pty, err = pty.StartWithSize(t.cmd, &pty.Winsize{
		Cols: uint16(opts.Cols),
		Rows: uint16(opts.Rows),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	t.running = true
	t.startedAt = time.Now()

	t.logger.Info("terminal started",
		zap.String("shell", shell),
		zap.String("cwd", opts.WorkDir),
		zap.Int("pid", t.cmd.Process.Pid))

	go t.readOutput()
	go t.waitForExit()

	return t, nil
}

// Pid returns the shell process id, or 0 when the child is gone.
func (t *Terminal) Pid() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Running reports whether the child is still alive.
func (t *Terminal) Running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// Write sends bytes to the child unchanged.
func (t *Terminal) Write(data []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.running || t.pty == nil {
		return 0, fmt.Errorf("terminal not running")
	}

	return t.pty.Write(data)
}

// Resize changes the PTY window size.
func (t *Terminal) Resize(cols, rows int) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.running || t.pty == nil {
		return fmt.Errorf("terminal not running")
	}

	return pty.Setsize(t.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Subscribe adds a subscriber for terminal output. Sends are
// non-blocking; a slow subscriber drops chunks instead of back-pressuring
// the read loop.
func (t *Terminal) Subscribe(ch chan<- []byte) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subscribers[ch] = struct{}{}
}

// Unsubscribe removes a subscriber.
func (t *Terminal) Unsubscribe(ch chan<- []byte) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	delete(t.subscribers, ch)
}

// BufferedOutput returns a copy of the recent output buffer so new
// subscribers can render scrollback.
func (t *Terminal) BufferedOutput() []byte {
	t.bufferMu.RLock()
	defer t.bufferMu.RUnlock()

	if len(t.outputBuffer) == 0 {
		return nil
	}
	result := make([]byte, len(t.outputBuffer))
	copy(result, t.outputBuffer)
	return result
}

// stop terminates the child. Closing the PTY sends SIGHUP on Unix; if
// the child ignores it we kill after a timeout.
func (t *Terminal) stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	close(t.stopCh)

	if t.pty != nil {
		_ = t.pty.Close()
	}

	select {
	case <-t.doneCh:
	case <-time.After(5 * time.Second):
		t.logger.Warn("terminal stop timeout, force killing")
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	}
}

// readOutput continuously reads from the PTY and broadcasts to subscribers.
func (t *Terminal) readOutput() {
	buf := make([]byte, 4096)

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		n, err := t.pty.Read(buf)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("terminal read error", zap.Error(err))
			}
			return
		}

		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.broadcast(data)
		}
	}
}

// broadcast sends data to all subscribers and stores it in the buffer.
// The subscriber set is snapshotted under the read lock; sends never
// block.
func (t *Terminal) broadcast(data []byte) {
	t.appendToBuffer(data)

	t.subMu.RLock()
	defer t.subMu.RUnlock()

	for ch := range t.subscribers {
		select {
		case ch <- data:
		default:
			// Subscriber channel full, skip
		}
	}
}

func (t *Terminal) appendToBuffer(data []byte) {
	t.bufferMu.Lock()
	defer t.bufferMu.Unlock()

	t.outputBuffer = append(t.outputBuffer, data...)
	if len(t.outputBuffer) > maxOutputBufferSize {
		t.outputBuffer = t.outputBuffer[len(t.outputBuffer)-maxOutputBufferSize:]
	}
}

// waitForExit reaps the child and notifies the owner.
func (t *Terminal) waitForExit() {
	exitCode := 0
	if t.cmd != nil {
		if err := t.cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
	}

	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	t.mu.Unlock()

	close(t.doneCh)

	if wasRunning {
		t.logger.Info("terminal child exited", zap.Int("exit_code", exitCode))
	}

	if t.onExit != nil {
		t.onExit(t.id, exitCode)
	}
}

// buildEnv creates the environment for the shell process.
func buildEnv(workDir, sessionID string) []string {
	env := os.Environ()

	env = append(env, "PWD="+workDir)
	env = append(env, "TERM=xterm-256color")
	env = append(env, "LANG=C.UTF-8")
	env = append(env, "LC_ALL=C.UTF-8")

	if sessionID != "" {
		env = append(env, SessionIDEnvVar+"="+sessionID)
	}

	return env
}
