package services

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/recovery"
)

// SessionWatcher observes the assistant CLI's per-workspace state dir and
// captures the conversation id it records, so later turns can resume the
// conversation. Everything here is best effort; a watch failure only costs
// resume support.
type SessionWatcher struct {
	cfg       *config.RuntimeConfig
	assistant *AssistantController
	watcher   *fsnotify.Watcher

	mu sync.Mutex
	// dirs maps a watched directory to the session it belongs to.
	dirs map[string]string
}

// NewSessionWatcher creates the watcher and starts its event loop.
func NewSessionWatcher(cfg *config.RuntimeConfig, assistant *AssistantController) (*SessionWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &SessionWatcher{
		cfg:       cfg,
		assistant: assistant,
		watcher:   fsw,
		dirs:      make(map[string]string),
	}
	recovery.SafeGo("session-watcher", w.run)
	return w, nil
}

// Watch registers the session's workspace state dir. The CLI creates one
// JSONL transcript per conversation there, named by its conversation id.
func (w *SessionWatcher) Watch(sess *models.Session) {
	dir := w.transcriptDir(sess)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warnf("cannot prepare transcript dir for session %s: %v", sess.ID, err)
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		logger.Warnf("cannot watch transcript dir for session %s: %v", sess.ID, err)
		return
	}
	w.mu.Lock()
	w.dirs[dir] = sess.ID
	w.mu.Unlock()

	// Pick up a transcript that already exists, e.g. after a restart.
	if id := newestTranscriptID(dir); id != "" {
		w.assistant.SetResumeID(sess.ID, id)
	}
	logger.Debugf("watching %s for session %s transcripts", dir, sess.ID)
}

// Unwatch drops the session's directory from the watch set.
func (w *SessionWatcher) Unwatch(sess *models.Session) {
	dir := w.transcriptDir(sess)
	w.mu.Lock()
	_, ok := w.dirs[dir]
	delete(w.dirs, dir)
	w.mu.Unlock()
	if ok {
		_ = w.watcher.Remove(dir)
	}
}

// Close stops the event loop.
func (w *SessionWatcher) Close() error {
	return w.watcher.Close()
}

func (w *SessionWatcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			id := transcriptID(ev.Name)
			if id == "" {
				continue
			}
			w.mu.Lock()
			sessionID, ok := w.dirs[filepath.Dir(ev.Name)]
			w.mu.Unlock()
			if ok {
				w.assistant.SetResumeID(sessionID, id)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("session watcher error: %v", err)
		}
	}
}

// transcriptDir mirrors how the CLI names its per-workspace state dir:
// the workspace path with separators flattened to dashes, under
// <config dir>/projects.
func (w *SessionWatcher) transcriptDir(sess *models.Session) string {
	flat := strings.NewReplacer("/", "-", ".", "-").Replace(sess.WorkspacePath)
	return filepath.Join(w.cfg.UserCredentialDir(sess.UserID), "projects", flat)
}

func transcriptID(path string) string {
	if filepath.Ext(path) != ".jsonl" {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

// newestTranscriptID returns the id of the most recently modified
// transcript in dir, or empty when none exist.
func newestTranscriptID(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod int64
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = strings.TrimSuffix(entry.Name(), ".jsonl")
			newestMod = mod
		}
	}
	return newest
}
