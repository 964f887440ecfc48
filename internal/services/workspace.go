package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/drydock-dev/drydock/internal/git"
	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/registry"
)

// WorkspaceService materializes repositories and worktree-backed
// workspaces on disk and keeps the persisted records in step with the
// filesystem. Any multi-step creation rolls back its filesystem side
// effects before surfacing an error.
type WorkspaceService struct {
	store    *Store
	git      *git.Service
	registry *registry.Registry
	rootDir  string
}

// NewWorkspaceService creates a workspace service rooted at rootDir.
func NewWorkspaceService(store *Store, gitSvc *git.Service, reg *registry.Registry, rootDir string) *WorkspaceService {
	return &WorkspaceService{store: store, git: gitSvc, registry: reg, rootDir: rootDir}
}

// CreateRepository clones url and persists the record. If persistence
// fails after a successful clone, the cloned directory is removed.
func (s *WorkspaceService) CreateRepository(userID, url string) (*models.Repository, error) {
	repo := &models.Repository{
		ID:     uuid.NewString(),
		UserID: userID,
		URL:    url,
		Path:   filepath.Join(s.rootDir, "repos", repoDirName(url)),
	}

	if err := s.git.Clone(url, repo.Path); err != nil {
		return nil, err
	}

	if branch, err := s.git.DefaultBranch(repo.Path); err == nil {
		repo.DefaultBranch = branch
	} else {
		logger.Debugf("could not resolve default branch for %s: %v", url, err)
	}

	if err := s.store.CreateRepository(repo); err != nil {
		if rmErr := os.RemoveAll(repo.Path); rmErr != nil {
			logger.Warnf("failed to roll back clone at %s: %v", repo.Path, rmErr)
		}
		return nil, fmt.Errorf("failed to persist repository: %w", err)
	}
	return repo, nil
}

// Fetch refreshes the repository's remote refs and records the fetch time.
func (s *WorkspaceService) Fetch(repositoryID string) error {
	repo, err := s.store.GetRepository(repositoryID)
	if err != nil {
		return err
	}
	if err := s.git.Fetch(repo.Path); err != nil {
		return err
	}
	return s.store.TouchRepositoryFetched(repositoryID)
}

// ListBranches lists the repository's branches, local refs preferred.
func (s *WorkspaceService) ListBranches(repositoryID string) ([]models.Branch, error) {
	repo, err := s.store.GetRepository(repositoryID)
	if err != nil {
		return nil, err
	}
	return s.git.ListBranches(repo.Path)
}

// CreateWorkspace adds a worktree for branch and persists the record. The
// (repository, branch) uniqueness check happens before any filesystem
// work; a duplicate request leaves the filesystem untouched.
func (s *WorkspaceService) CreateWorkspace(repositoryID, branch string) (*models.Workspace, error) {
	repo, err := s.store.GetRepository(repositoryID)
	if err != nil {
		return nil, err
	}
	if s.store.HasWorkspaceForBranch(repositoryID, branch) {
		return nil, fmt.Errorf("%w: %s@%s", ErrBranchInUse, repositoryID, branch)
	}

	ws := &models.Workspace{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		Branch:       branch,
		Path:         filepath.Join(s.rootDir, "worktrees", repoDirName(repo.URL), branchDirName(branch)),
	}

	if err := s.git.CreateWorktree(repo.Path, ws.Path, branch); err != nil {
		return nil, err
	}

	if err := s.store.CreateWorkspace(ws); err != nil {
		if rmErr := s.git.RemoveWorktree(repo.Path, ws.Path); rmErr != nil {
			logger.Warnf("failed to roll back worktree at %s: %v", ws.Path, rmErr)
		}
		return nil, fmt.Errorf("failed to persist workspace: %w", err)
	}
	return ws, nil
}

// DeleteWorkspace removes the worktree registration, its directory and the
// record. Sessions bound to the workspace must not be running.
func (s *WorkspaceService) DeleteWorkspace(id string) error {
	ws, err := s.store.GetWorkspace(id)
	if err != nil {
		return err
	}
	for _, sess := range s.store.SessionsInWorkspace(id) {
		if _, live := s.registry.Lookup(sess.ID); live || sess.Status == models.SessionRunning {
			return fmt.Errorf("%w: session %s is running", ErrRepositoryBusy, sess.ID)
		}
	}

	repo, err := s.store.GetRepository(ws.RepositoryID)
	if err == nil {
		if err := s.git.RemoveWorktree(repo.Path, ws.Path); err != nil {
			return err
		}
	} else {
		// Repository record is gone; still clear the directory.
		if err := os.RemoveAll(ws.Path); err != nil {
			return err
		}
	}
	return s.store.DeleteWorkspace(id)
}

// DeleteRepository removes the repository and all its workspaces. It is
// rejected while any of its workspaces has a session with a live process
// or running status.
func (s *WorkspaceService) DeleteRepository(id string) error {
	repo, err := s.store.GetRepository(id)
	if err != nil {
		return err
	}

	workspaces := s.store.ListWorkspacesByRepository(id)
	for _, ws := range workspaces {
		for _, sess := range s.store.SessionsInWorkspace(ws.ID) {
			if _, live := s.registry.Lookup(sess.ID); live || sess.Status == models.SessionRunning {
				return fmt.Errorf("%w: workspace %s session %s", ErrRepositoryBusy, ws.ID, sess.ID)
			}
		}
	}

	for _, ws := range workspaces {
		if err := s.DeleteWorkspace(ws.ID); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(repo.Path); err != nil {
		return fmt.Errorf("failed to remove clone directory: %w", err)
	}
	return s.store.DeleteRepository(id)
}

// SessionDir allocates the working directory for a session. Sessions bound
// to a workspace run inside its worktree; unbound sessions get a scratch
// directory.
func (s *WorkspaceService) SessionDir(sessionID, workspaceID string) (string, error) {
	if workspaceID != "" {
		ws, err := s.store.GetWorkspace(workspaceID)
		if err != nil {
			return "", err
		}
		return ws.Path, nil
	}
	dir := filepath.Join(s.rootDir, "scratch", sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	return dir, nil
}

// repoDirName derives a stable directory name from a git URL.
func repoDirName(url string) string {
	name := strings.TrimSuffix(filepath.Base(url), ".git")
	name = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '-'
	}, name)
	if name == "" || name == "." {
		name = "repo"
	}
	return name
}

// branchDirName flattens branch names like feature/login into a single
// path segment.
func branchDirName(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}
