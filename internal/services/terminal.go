package services

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/recovery"
	"github.com/drydock-dev/drydock/internal/registry"
)

// TerminalOutput receives the byte stream of a PTY session. At most one
// sink is attached per session; output produced with no sink attached is
// dropped, and reconnection does not replay history.
type TerminalOutput interface {
	// Output delivers one chunk of raw PTY output, in emission order.
	Output(data []byte)
	// Exit reports process termination with its exit code.
	Exit(code int)
	// Detached tells a sink it lost the session to a newer connection.
	Detached()
}

// ptyProcess is the OS-level half of a terminal session, split out so
// tests can drive the controller without a real pseudo-terminal.
type ptyProcess struct {
	file *os.File
	pid  int
	wait func() int
	kill func() error
}

func startPTYProcess(cmd *exec.Cmd) (*ptyProcess, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	return &ptyProcess{
		file: ptmx,
		pid:  cmd.Process.Pid,
		wait: func() int {
			if err := cmd.Wait(); err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					return exitErr.ExitCode()
				}
				return -1
			}
			return 0
		},
		kill: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
	}, nil
}

type terminalSession struct {
	id     string
	proc   *ptyProcess
	handle *registry.Handle

	mu   sync.Mutex
	sink TerminalOutput
	cols uint16
	rows uint16

	done chan struct{}
}

func (ts *terminalSession) currentSink() TerminalOutput {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.sink
}

// swapSink installs a new sink and returns the previous one, if any.
func (ts *terminalSession) swapSink(sink TerminalOutput) TerminalOutput {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	prev := ts.sink
	ts.sink = sink
	return prev
}

// clearSink detaches sink only if it is still the attached one.
func (ts *terminalSession) clearSink(sink TerminalOutput) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.sink == sink {
		ts.sink = nil
	}
}

// TerminalController drives one PTY-backed shell process per session:
// spawn on first attach, re-attach on reconnect, write, resize and exit
// propagation. The process registry stays the source of truth for
// liveness.
type TerminalController struct {
	store    *Store
	registry *registry.Registry
	cfg      *config.RuntimeConfig
	spawn    func(*exec.Cmd) (*ptyProcess, error)

	mu       sync.Mutex
	sessions map[string]*terminalSession
}

// NewTerminalController creates the controller.
func NewTerminalController(store *Store, reg *registry.Registry, cfg *config.RuntimeConfig) *TerminalController {
	return &TerminalController{
		store:    store,
		registry: reg,
		cfg:      cfg,
		spawn:    startPTYProcess,
		sessions: make(map[string]*terminalSession),
	}
}

// Attach binds sink to the session's PTY, spawning the shell process if no
// live one exists. A session that is already running keeps its process: the
// new sink takes over output delivery and the previous sink is told it was
// detached. Returns the current terminal geometry.
func (c *TerminalController) Attach(sess *models.Session, sink TerminalOutput) (cols, rows uint16, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sessions[sess.ID]; ok {
		if _, live := c.registry.Lookup(sess.ID); live {
			logger.Infof("re-attaching to running terminal session %s", sess.ID)
			if prev := existing.swapSink(sink); prev != nil && prev != sink {
				prev.Detached()
			}
			existing.mu.Lock()
			cols, rows = existing.cols, existing.rows
			existing.mu.Unlock()
			return cols, rows, nil
		}
		// Stale entry left by a process that died without notification.
		delete(c.sessions, sess.ID)
	}

	ts, err := c.spawnLocked(sess, sink)
	if err != nil {
		return 0, 0, err
	}
	return ts.cols, ts.rows, nil
}

// spawnLocked starts the shell process for the session. Caller holds c.mu.
func (c *TerminalController) spawnLocked(sess *models.Session, sink TerminalOutput) (*terminalSession, error) {
	cmd := exec.Command(c.cfg.Shell, "--login")
	cmd.Dir = sess.WorkspacePath
	cmd.Env = append(os.Environ(),
		"DRYDOCK_SESSION_ID="+sess.ID,
		"DRYDOCK_REMOTE=1",
		"CLAUDE_CONFIG_DIR="+c.cfg.UserCredentialDir(sess.UserID),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)

	proc, err := c.spawn(cmd)
	if err != nil {
		status := models.SessionError
		_ = c.store.UpdateSession(sess.ID, SessionUpdate{Status: &status})
		return nil, fmt.Errorf("failed to start shell for session %s: %w", sess.ID, err)
	}

	ts := &terminalSession{
		id:   sess.ID,
		proc: proc,
		sink: sink,
		cols: 80,
		rows: 24,
		done: make(chan struct{}),
	}
	c.resize(ts, 80, 24)

	ts.handle = &registry.Handle{
		Kind: registry.KindTerminal,
		PID:  proc.pid,
		Kill: proc.kill,
	}
	if err := c.registry.Register(sess.ID, ts.handle); err != nil {
		_ = proc.kill()
		_ = proc.file.Close()
		return nil, err
	}

	running := models.SessionRunning
	if err := c.store.UpdateSession(sess.ID, SessionUpdate{Status: &running, ProcessID: &proc.pid}); err != nil {
		logger.Warnf("failed to persist running status for session %s: %v", sess.ID, err)
	}

	c.sessions[sess.ID] = ts
	logger.Infof("spawned terminal session %s (pid %d) in %s", sess.ID, proc.pid, sess.WorkspacePath)

	recovery.SafeGo("terminal-read-"+sess.ID, func() {
		c.readLoop(ts)
	})
	return ts, nil
}

// readLoop pumps PTY output to the attached sink until the process exits.
// A single goroutine per session preserves emission order.
func (c *TerminalController) readLoop(ts *terminalSession) {
	buf := make([]byte, 4096)
	for {
		n, err := ts.proc.file.Read(buf)
		if n > 0 {
			if sink := ts.currentSink(); sink != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				sink.Output(chunk)
			}
			// No sink attached: output is dropped, not buffered.
		}
		if err != nil {
			break
		}
	}

	code := ts.proc.wait()
	_ = ts.proc.file.Close()
	close(ts.done)

	c.mu.Lock()
	if c.sessions[ts.id] == ts {
		delete(c.sessions, ts.id)
	}
	c.mu.Unlock()

	c.registry.UnregisterHandle(ts.id, ts.handle)
	// A successor spawned after a kill owns the session record now; only
	// persist stopped when no live process remains.
	if _, live := c.registry.Lookup(ts.id); !live {
		stopped := models.SessionStopped
		zero := 0
		if err := c.store.UpdateSession(ts.id, SessionUpdate{Status: &stopped, ProcessID: &zero}); err != nil {
			logger.Warnf("failed to persist stopped status for session %s: %v", ts.id, err)
		}
	}

	logger.Infof("terminal session %s exited with code %d", ts.id, code)
	if sink := ts.currentSink(); sink != nil {
		sink.Exit(code)
	}
}

// Write forwards raw input bytes to the session's process. Writing to an
// absent session is logged and dropped; it never respawns.
func (c *TerminalController) Write(sessionID string, data []byte) {
	ts := c.lookup(sessionID)
	if ts == nil {
		logger.Debugf("dropping input for session %s: no live process", sessionID)
		return
	}
	if _, err := ts.proc.file.Write(data); err != nil {
		logger.Warnf("terminal write failed for session %s: %v", sessionID, err)
	}
}

// Resize applies a terminal geometry change. Absent sessions are ignored.
func (c *TerminalController) Resize(sessionID string, cols, rows uint16) {
	ts := c.lookup(sessionID)
	if ts == nil {
		logger.Debugf("dropping resize for session %s: no live process", sessionID)
		return
	}
	c.resize(ts, cols, rows)
}

func (c *TerminalController) resize(ts *terminalSession, cols, rows uint16) {
	ts.mu.Lock()
	ts.cols, ts.rows = cols, rows
	ts.mu.Unlock()

	if err := pty.Setsize(ts.proc.file, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		logger.Debugf("resize failed for session %s: %v", ts.id, err)
	}
}

// Detach removes sink from the session without touching the process, so a
// later connection can re-attach.
func (c *TerminalController) Detach(sessionID string, sink TerminalOutput) {
	if ts := c.lookup(sessionID); ts != nil {
		ts.clearSink(sink)
	}
}

// Kill terminates the session's process. The read loop observes the exit
// and performs the usual teardown.
func (c *TerminalController) Kill(sessionID string) {
	c.registry.KillAndUnregister(sessionID)
}

func (c *TerminalController) lookup(sessionID string) *terminalSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}
