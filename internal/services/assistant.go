package services

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/recovery"
	"github.com/drydock-dev/drydock/internal/registry"
)

// ErrAssistantBusy is returned when a session already has an assistant
// invocation in flight.
var ErrAssistantBusy = errors.New("assistant invocation already in flight for session")

// EventEmitter delivers normalized assistant events to whoever is
// connected. Implementations must be safe for concurrent use.
type EventEmitter interface {
	Emit(ev models.OutboundEvent)
}

// stderr lines with these prefixes are CLI chatter, not user-facing
// failures.
var assistantDebugPrefixes = []string{
	"[DEBUG]",
	"[INFO]",
	"DEBUG:",
	"node:",
}

// AssistantController runs the code-assistant CLI as a one-shot subprocess
// per user message, streaming its JSON-lines output as normalized events.
// At most one invocation per session is in flight; the process registry
// enforces exclusivity against terminal sessions too.
type AssistantController struct {
	store    *Store
	registry *registry.Registry
	cfg      *config.RuntimeConfig

	// buildCmd constructs the CLI invocation; swapped in tests.
	buildCmd func(sess *models.Session, prompt, resumeID string) *exec.Cmd

	mu        sync.Mutex
	resumeIDs map[string]string
}

// NewAssistantController creates the controller.
func NewAssistantController(store *Store, reg *registry.Registry, cfg *config.RuntimeConfig) *AssistantController {
	c := &AssistantController{
		store:     store,
		registry:  reg,
		cfg:       cfg,
		resumeIDs: make(map[string]string),
	}
	c.buildCmd = c.defaultCommand
	return c
}

func (c *AssistantController) defaultCommand(sess *models.Session, prompt, resumeID string) *exec.Cmd {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	cmd := exec.Command(c.cfg.AssistantBin, args...)
	cmd.Dir = sess.WorkspacePath
	cmd.Env = append(scrubEnv(os.Environ(), "ANTHROPIC_API_KEY"),
		"CLAUDE_CONFIG_DIR="+c.cfg.UserCredentialDir(sess.UserID),
		"DRYDOCK_SESSION_ID="+sess.ID,
		"DRYDOCK_REMOTE=1",
	)
	return cmd
}

// scrubEnv drops every entry for the named variable so the CLI falls back
// to the per-user stored credentials.
func scrubEnv(env []string, name string) []string {
	out := env[:0]
	prefix := name + "="
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return out
}

// SetResumeID records the CLI's own conversation id for a session, so the
// next invocation continues it instead of starting fresh.
func (c *AssistantController) SetResumeID(sessionID, resumeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeIDs[sessionID] = resumeID
}

func (c *AssistantController) resumeID(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeIDs[sessionID]
}

// Invoke launches one assistant turn for the session and streams events to
// emitter until the process exits. It returns once the process has started;
// ErrAssistantBusy if the session already owns a live process. An idle
// status event is always emitted when the invocation ends, however it ends.
func (c *AssistantController) Invoke(sess *models.Session, prompt string, emitter EventEmitter) error {
	var procMu sync.Mutex
	var proc *os.Process
	var killRequested bool

	h := &registry.Handle{
		Kind: registry.KindAssistant,
		Kill: func() error {
			procMu.Lock()
			defer procMu.Unlock()
			killRequested = true
			if proc == nil {
				return nil
			}
			return proc.Kill()
		},
	}

	// Reserve the session's process slot before anything is spawned, so
	// a concurrent message never briefly runs a second CLI process.
	if err := c.registry.Register(sess.ID, h); err != nil {
		if errors.Is(err, registry.ErrAlreadyRunning) {
			return ErrAssistantBusy
		}
		return err
	}

	cmd := c.buildCmd(sess, prompt, c.resumeID(sess.ID))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.registry.UnregisterHandle(sess.ID, h)
		return fmt.Errorf("failed to open assistant stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.registry.UnregisterHandle(sess.ID, h)
		return fmt.Errorf("failed to open assistant stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		c.registry.UnregisterHandle(sess.ID, h)
		return fmt.Errorf("failed to start assistant for session %s: %w", sess.ID, err)
	}

	procMu.Lock()
	proc = cmd.Process
	abortedDuringSpawn := killRequested
	procMu.Unlock()
	if abortedDuringSpawn {
		// An abort raced the spawn and already dropped the registration.
		_ = cmd.Process.Kill()
	}

	logger.Infof("assistant invocation started for session %s (pid %d)", sess.ID, cmd.Process.Pid)
	emitter.Emit(models.NewStatusEvent(models.ActivityThinking))

	var wg sync.WaitGroup
	wg.Add(1)
	recovery.SafeGoWithCleanup("assistant-stderr-"+sess.ID, func() {
		c.pumpStderr(sess.ID, stderr, emitter)
	}, wg.Done)

	recovery.SafeGo("assistant-stdout-"+sess.ID, func() {
		c.pumpStdout(sess.ID, stdout, emitter)
		wg.Wait()
		c.finish(sess, cmd, h, emitter)
	})
	return nil
}

// pumpStdout reads JSON-lines records and emits their normalized events.
// A trailing line without a final newline is still processed.
func (c *AssistantController) pumpStdout(sessionID string, r io.Reader, emitter EventEmitter) {
	reader := bufio.NewReaderSize(r, 1024*1024)
	for {
		line, err := reader.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			for _, ev := range NormalizeLine([]byte(trimmed)) {
				emitter.Emit(ev)
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Warnf("assistant stdout read failed for session %s: %v", sessionID, err)
			}
			return
		}
	}
}

// pumpStderr filters known debug chatter and surfaces the rest as error
// events.
func (c *AssistantController) pumpStderr(sessionID string, r io.Reader, emitter EventEmitter) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if isAssistantDebugLine(line) {
			logger.Debugf("assistant stderr [%s]: %s", sessionID, line)
			continue
		}
		emitter.Emit(models.NewErrorEvent(line))
	}
}

func isAssistantDebugLine(line string) bool {
	for _, prefix := range assistantDebugPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// finish reaps the process and closes out the invocation. The idle status
// event goes out unconditionally so the client never sticks in thinking.
func (c *AssistantController) finish(sess *models.Session, cmd *exec.Cmd, h *registry.Handle, emitter EventEmitter) {
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Warnf("assistant for session %s exited with code %d", sess.ID, exitErr.ExitCode())
		} else {
			logger.Warnf("assistant for session %s failed: %v", sess.ID, err)
		}
	}

	// Only this invocation's own registration is removed; a successor
	// started after an abort keeps its slot.
	c.registry.UnregisterHandle(sess.ID, h)
	c.store.TouchSession(sess.ID)
	emitter.Emit(models.NewStatusEvent(models.ActivityIdle))
	logger.Debugf("assistant invocation finished for session %s", sess.ID)
}

// Abort kills the in-flight invocation, if any. The stream goroutines
// observe EOF and emit the closing idle status.
func (c *AssistantController) Abort(sessionID string) {
	h, ok := c.registry.Lookup(sessionID)
	if !ok || h.Kind != registry.KindAssistant {
		return
	}
	logger.Infof("aborting assistant invocation for session %s", sessionID)
	if c.registry.UnregisterHandle(sessionID, h) && h.Kill != nil {
		if err := h.Kill(); err != nil {
			logger.Debugf("assistant kill for session %s returned: %v", sessionID, err)
		}
	}
}

// Busy reports whether the session has an assistant invocation in flight.
func (c *AssistantController) Busy(sessionID string) bool {
	h, ok := c.registry.Lookup(sessionID)
	return ok && h.Kind == registry.KindAssistant
}
