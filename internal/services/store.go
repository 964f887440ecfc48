package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/registry"
)

var (
	// ErrNotFound is returned for lookups of unknown records.
	ErrNotFound = errors.New("record not found")
	// ErrQuotaExceeded is returned when a user is at their session limit.
	ErrQuotaExceeded = errors.New("session quota exceeded")
	// ErrBranchInUse is returned when a workspace already exists for a
	// (repository, branch) pair.
	ErrBranchInUse = errors.New("workspace already exists for this branch")
	// ErrRepositoryBusy is returned when deleting a repository that still
	// has running sessions in one of its workspaces.
	ErrRepositoryBusy = errors.New("repository has workspaces with running sessions")
)

// SessionUpdate carries the fields a caller may change on a session
// record. Nil fields are left untouched.
type SessionUpdate struct {
	ProcessID      *int
	Status         *models.SessionStatus
	LastActivityAt *time.Time
	Name           *string
}

// Store persists session, repository and workspace records as JSON files
// under a state directory, mirroring them in memory. The interface is kept
// narrow so a relational backend could replace it.
type Store struct {
	dir          string
	maxPerUser   int
	mu           sync.RWMutex
	sessions     map[string]*models.Session
	repositories map[string]*models.Repository
	workspaces   map[string]*models.Workspace
}

// NewStore loads any existing records from stateDir.
func NewStore(stateDir string, maxSessionsPerUser int) (*Store, error) {
	s := &Store{
		dir:          stateDir,
		maxPerUser:   maxSessionsPerUser,
		sessions:     make(map[string]*models.Session),
		repositories: make(map[string]*models.Repository),
		workspaces:   make(map[string]*models.Workspace),
	}

	for _, sub := range []string{"sessions", "repositories", "workspaces"} {
		if err := os.MkdirAll(filepath.Join(stateDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	load := func(sub string, into func(data []byte) error) error {
		entries, err := os.ReadDir(filepath.Join(s.dir, sub))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(s.dir, sub, entry.Name()))
			if err != nil {
				logger.Warnf("failed to read state file %s: %v", entry.Name(), err)
				continue
			}
			if err := into(data); err != nil {
				logger.Warnf("skipping corrupt state file %s: %v", entry.Name(), err)
			}
		}
		return nil
	}

	if err := load("sessions", func(data []byte) error {
		var sess models.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		s.sessions[sess.ID] = &sess
		return nil
	}); err != nil {
		return err
	}
	if err := load("repositories", func(data []byte) error {
		var repo models.Repository
		if err := json.Unmarshal(data, &repo); err != nil {
			return err
		}
		s.repositories[repo.ID] = &repo
		return nil
	}); err != nil {
		return err
	}
	return load("workspaces", func(data []byte) error {
		var ws models.Workspace
		if err := json.Unmarshal(data, &ws); err != nil {
			return err
		}
		s.workspaces[ws.ID] = &ws
		return nil
	})
}

func (s *Store) flush(sub, id string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, sub, id+".json"), data, 0644)
}

func (s *Store) remove(sub, id string) {
	path := filepath.Join(s.dir, sub, id+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("failed to remove state file %s: %v", path, err)
	}
}

// CreateSession persists a new session record, enforcing the per-user
// quota. Sessions in stopped or error status do not count against the
// quota.
func (s *Store) CreateSession(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := 0
	for _, existing := range s.sessions {
		if existing.UserID == sess.UserID &&
			(existing.Status == models.SessionCreated || existing.Status == models.SessionRunning) {
			live++
		}
	}
	if s.maxPerUser > 0 && live >= s.maxPerUser {
		return fmt.Errorf("%w: user %s has %d live sessions (max %d)",
			ErrQuotaExceeded, sess.UserID, live, s.maxPerUser)
	}

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = models.SessionCreated
	}

	if err := s.flush("sessions", sess.ID, sess); err != nil {
		return err
	}
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession returns a copy of the session record.
func (s *Store) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	copied := *sess
	return &copied, nil
}

// ListSessionsByUser returns the user's sessions ordered by last activity
// descending.
func (s *Store) ListSessionsByUser(userID string) []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			copied := *sess
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// UpdateSession applies the non-nil fields of upd to the record.
func (s *Store) UpdateSession(id string, upd SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if upd.ProcessID != nil {
		sess.ProcessID = *upd.ProcessID
	}
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.LastActivityAt != nil {
		sess.LastActivityAt = *upd.LastActivityAt
	}
	if upd.Name != nil {
		sess.Name = *upd.Name
	}
	return s.flush("sessions", id, sess)
}

// TouchSession bumps the session's last-activity timestamp. Unknown ids
// are ignored; activity tracking is best effort.
func (s *Store) TouchSession(id string) {
	now := time.Now()
	if err := s.UpdateSession(id, SessionUpdate{LastActivityAt: &now}); err != nil {
		logger.Debugf("touch for session %s skipped: %v", id, err)
	}
}

// DeleteSession removes the session record.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	delete(s.sessions, id)
	s.remove("sessions", id)
	return nil
}

// ReconcileSession flips a stale running session to stopped when the
// registry holds no live handle for it. Returns the (possibly updated)
// record. This is the lazy half of crash recovery; ReconcileAll is the
// startup sweep.
func (s *Store) ReconcileSession(id string, reg *registry.Registry) (*models.Session, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionRunning {
		return sess, nil
	}
	if _, live := reg.Lookup(id); live {
		return sess, nil
	}

	logger.Infof("reconciling stale running session %s to stopped", id)
	stopped := models.SessionStopped
	if err := s.UpdateSession(id, SessionUpdate{Status: &stopped}); err != nil {
		return nil, err
	}
	sess.Status = models.SessionStopped
	return sess, nil
}

// ReconcileAll sweeps every running session against the registry. Called
// once at startup, when the registry is freshly empty.
func (s *Store) ReconcileAll(reg *registry.Registry) {
	s.mu.RLock()
	var stale []string
	for id, sess := range s.sessions {
		if sess.Status == models.SessionRunning {
			if _, live := reg.Lookup(id); !live {
				stale = append(stale, id)
			}
		}
	}
	s.mu.RUnlock()

	stopped := models.SessionStopped
	for _, id := range stale {
		if err := s.UpdateSession(id, SessionUpdate{Status: &stopped}); err != nil {
			logger.Warnf("failed to reconcile session %s: %v", id, err)
		}
	}
	if len(stale) > 0 {
		logger.Infof("reconciled %d stale running sessions to stopped", len(stale))
	}
}

// CreateRepository persists a repository record.
func (s *Store) CreateRepository(repo *models.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flush("repositories", repo.ID, repo); err != nil {
		return err
	}
	s.repositories[repo.ID] = repo
	return nil
}

// GetRepository returns a copy of the repository record.
func (s *Store) GetRepository(id string) (*models.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repo, ok := s.repositories[id]
	if !ok {
		return nil, fmt.Errorf("%w: repository %s", ErrNotFound, id)
	}
	copied := *repo
	return &copied, nil
}

// ListRepositoriesByUser returns the user's repositories.
func (s *Store) ListRepositoriesByUser(userID string) []*models.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Repository
	for _, repo := range s.repositories {
		if repo.UserID == userID {
			copied := *repo
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TouchRepositoryFetched records a successful fetch time.
func (s *Store) TouchRepositoryFetched(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repositories[id]
	if !ok {
		return fmt.Errorf("%w: repository %s", ErrNotFound, id)
	}
	repo.LastFetchedAt = time.Now()
	return s.flush("repositories", id, repo)
}

// DeleteRepository removes the repository record.
func (s *Store) DeleteRepository(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repositories[id]; !ok {
		return fmt.Errorf("%w: repository %s", ErrNotFound, id)
	}
	delete(s.repositories, id)
	s.remove("repositories", id)
	return nil
}

// CreateWorkspace persists a workspace record, enforcing uniqueness per
// (repository, branch) pair.
func (s *Store) CreateWorkspace(ws *models.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.workspaces {
		if existing.RepositoryID == ws.RepositoryID && existing.Branch == ws.Branch {
			return fmt.Errorf("%w: %s@%s", ErrBranchInUse, ws.RepositoryID, ws.Branch)
		}
	}

	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now()
	}
	if err := s.flush("workspaces", ws.ID, ws); err != nil {
		return err
	}
	s.workspaces[ws.ID] = ws
	return nil
}

// HasWorkspaceForBranch reports whether a workspace already exists for the
// (repository, branch) pair. Used to reject duplicates before any
// filesystem work happens.
func (s *Store) HasWorkspaceForBranch(repositoryID, branch string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ws := range s.workspaces {
		if ws.RepositoryID == repositoryID && ws.Branch == branch {
			return true
		}
	}
	return false
}

// GetWorkspace returns a copy of the workspace record.
func (s *Store) GetWorkspace(id string) (*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, id)
	}
	copied := *ws
	return &copied, nil
}

// ListWorkspacesByRepository returns all workspaces of a repository.
func (s *Store) ListWorkspacesByRepository(repositoryID string) []*models.Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workspace
	for _, ws := range s.workspaces {
		if ws.RepositoryID == repositoryID {
			copied := *ws
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out
}

// DeleteWorkspace removes the workspace record.
func (s *Store) DeleteWorkspace(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return fmt.Errorf("%w: workspace %s", ErrNotFound, id)
	}
	delete(s.workspaces, id)
	s.remove("workspaces", id)
	return nil
}

// SessionsInWorkspace returns all sessions bound to the workspace.
func (s *Store) SessionsInWorkspace(workspaceID string) []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID {
			copied := *sess
			out = append(out, &copied)
		}
	}
	return out
}
