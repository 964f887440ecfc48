// Package registry owns the mapping from session ID to live OS process
// handle. It is the single source of truth for "is this session running"
// and the only shared mutable structure across session handlers.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/drydock-dev/drydock/internal/logger"
)

// ErrAlreadyRunning is returned by Register when a live handle already
// exists for the session.
var ErrAlreadyRunning = errors.New("session already has a running process")

// Kind distinguishes the two process shapes a session can own.
type Kind string

const (
	KindTerminal  Kind = "terminal"
	KindAssistant Kind = "assistant"
)

// Handle references one live OS process bound to a session. Kill is
// provided by the owning controller and must tolerate the process having
// already exited.
type Handle struct {
	SessionID string
	Kind      Kind
	PID       int
	StartedAt time.Time
	Kill      func() error
}

// Registry is a concurrency-safe session-to-process map. All mutations are
// atomic per session ID.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func New() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register records a live handle for the session. It fails with
// ErrAlreadyRunning if an entry exists.
func (r *Registry) Register(sessionID string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[sessionID]; exists {
		return ErrAlreadyRunning
	}
	h.SessionID = sessionID
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now()
	}
	r.handles[sessionID] = h
	logger.Debugf("registered %s process for session %s (pid %d)", h.Kind, sessionID, h.PID)
	return nil
}

// Lookup returns the live handle for the session, if any.
func (r *Registry) Lookup(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

// Unregister removes the session's entry. Removing an absent entry is a
// no-op.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[sessionID]; ok {
		delete(r.handles, sessionID)
		logger.Debugf("unregistered process for session %s", sessionID)
	}
}

// UnregisterHandle removes the session's entry only if it still holds h,
// and reports whether it did. Exit paths use it so a reaper that ran late
// never strips a successor registered under the same session ID.
func (r *Registry) UnregisterHandle(sessionID string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[sessionID]; ok && cur == h {
		delete(r.handles, sessionID)
		logger.Debugf("unregistered process for session %s", sessionID)
		return true
	}
	return false
}

// KillAndUnregister terminates the session's process, if one is
// registered, and removes the entry. A dead process or absent entry is
// tolerated.
func (r *Registry) KillAndUnregister(sessionID string) {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	if ok {
		delete(r.handles, sessionID)
	}
	r.mu.Unlock()

	if !ok || h.Kill == nil {
		return
	}
	if err := h.Kill(); err != nil {
		// Process may already have exited between lookup and kill.
		logger.Debugf("kill for session %s returned: %v", sessionID, err)
	}
}

// Len reports the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Sessions returns the IDs of all sessions with a live handle.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown kills and removes every live handle. Used on server exit.
func (r *Registry) Shutdown() {
	for _, id := range r.Sessions() {
		r.KillAndUnregister(id)
	}
}
