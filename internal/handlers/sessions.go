package handlers

import (
	"errors"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/middleware"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/registry"
	"github.com/drydock-dev/drydock/internal/services"
)

// SessionsHandler exposes the session, repository and workspace REST
// surface. Process lifecycle stays in the services; routing here is thin.
type SessionsHandler struct {
	store     *services.Store
	workspace *services.WorkspaceService
	registry  *registry.Registry
	login     *services.LoginService
	watcher   *services.SessionWatcher
}

// NewSessionsHandler creates the handler. watcher may be nil when
// transcript watching is unavailable.
func NewSessionsHandler(store *services.Store, ws *services.WorkspaceService, reg *registry.Registry, login *services.LoginService, watcher *services.SessionWatcher) *SessionsHandler {
	return &SessionsHandler{store: store, workspace: ws, registry: reg, login: login, watcher: watcher}
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	Name        string `json:"name,omitempty"`
}

// CreateSession allocates a session record and its working directory. The
// shell process is spawned lazily on the first terminal attach.
func (h *SessionsHandler) CreateSession(c *fiber.Ctx) error {
	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil && !errors.Is(err, fiber.ErrUnprocessableEntity) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	sess := &models.Session{
		ID:          uuid.NewString(),
		UserID:      middleware.UserID(c),
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
	}

	dir, err := h.workspace.SessionDir(sess.ID, req.WorkspaceID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workspace not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	sess.WorkspacePath = dir

	if err := h.store.CreateSession(sess); err != nil {
		if errors.Is(err, services.ErrQuotaExceeded) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

// ListSessions returns the caller's sessions, most recently active first.
func (h *SessionsHandler) ListSessions(c *fiber.Ctx) error {
	sessions := h.store.ListSessionsByUser(middleware.UserID(c))
	for _, sess := range sessions {
		// Stale running rows from a previous server life get fixed on read.
		if reconciled, err := h.store.ReconcileSession(sess.ID, h.registry); err == nil {
			sess.Status = reconciled.Status
		}
	}
	return c.JSON(sessions)
}

// GetSession returns one session. Sessions of other users read as absent.
func (h *SessionsHandler) GetSession(c *fiber.Ctx) error {
	sess, ok := h.ownedSession(c)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	if reconciled, err := h.store.ReconcileSession(sess.ID, h.registry); err == nil {
		sess = reconciled
	}
	return c.JSON(sess)
}

// DeleteSession kills any live process first, then removes the record and
// the scratch directory. Workspace worktrees are owned by the workspace
// lifecycle and stay.
func (h *SessionsHandler) DeleteSession(c *fiber.Ctx) error {
	sess, ok := h.ownedSession(c)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}

	h.registry.KillAndUnregister(sess.ID)
	if h.watcher != nil {
		h.watcher.Unwatch(sess)
	}

	if sess.WorkspaceID == "" && sess.WorkspacePath != "" {
		if err := os.RemoveAll(sess.WorkspacePath); err != nil {
			logger.Warnf("failed to remove scratch dir for session %s: %v", sess.ID, err)
		}
	}
	if err := h.store.DeleteSession(sess.ID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "session deleted"})
}

// CreateRepositoryRequest is the body of POST /v1/repositories.
type CreateRepositoryRequest struct {
	URL string `json:"url"`
}

// CreateRepository clones the repository for the caller.
func (h *SessionsHandler) CreateRepository(c *fiber.Ctx) error {
	var req CreateRepositoryRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url is required"})
	}

	repo, err := h.workspace.CreateRepository(middleware.UserID(c), req.URL)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(repo)
}

// ListRepositories returns the caller's repositories.
func (h *SessionsHandler) ListRepositories(c *fiber.Ctx) error {
	return c.JSON(h.store.ListRepositoriesByUser(middleware.UserID(c)))
}

// FetchRepository refreshes remote refs.
func (h *SessionsHandler) FetchRepository(c *fiber.Ctx) error {
	repo, ok := h.ownedRepository(c)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "repository not found"})
	}
	if err := h.workspace.Fetch(repo.ID); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "fetched"})
}

// ListBranches returns the repository's branches, local refs preferred
// over their remote-tracking duplicates.
func (h *SessionsHandler) ListBranches(c *fiber.Ctx) error {
	repo, ok := h.ownedRepository(c)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "repository not found"})
	}
	branches, err := h.workspace.ListBranches(repo.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(branches)
}

// DeleteRepository removes the clone and all its workspaces.
func (h *SessionsHandler) DeleteRepository(c *fiber.Ctx) error {
	repo, ok := h.ownedRepository(c)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "repository not found"})
	}
	if err := h.workspace.DeleteRepository(repo.ID); err != nil {
		if errors.Is(err, services.ErrRepositoryBusy) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "repository deleted"})
}

// CreateWorkspaceRequest is the body of POST /v1/workspaces.
type CreateWorkspaceRequest struct {
	RepositoryID string `json:"repository_id"`
	Branch       string `json:"branch"`
}

// CreateWorkspace adds a worktree-backed workspace for a branch.
func (h *SessionsHandler) CreateWorkspace(c *fiber.Ctx) error {
	var req CreateWorkspaceRequest
	if err := c.BodyParser(&req); err != nil || req.RepositoryID == "" || req.Branch == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "repository_id and branch are required"})
	}

	repo, err := h.store.GetRepository(req.RepositoryID)
	if err != nil || repo.UserID != middleware.UserID(c) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "repository not found"})
	}

	ws, err := h.workspace.CreateWorkspace(req.RepositoryID, req.Branch)
	if err != nil {
		if errors.Is(err, services.ErrBranchInUse) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(ws)
}

// ListWorkspaces returns the workspaces of one repository.
func (h *SessionsHandler) ListWorkspaces(c *fiber.Ctx) error {
	repoID := c.Query("repository_id")
	repo, err := h.store.GetRepository(repoID)
	if err != nil || repo.UserID != middleware.UserID(c) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "repository not found"})
	}
	return c.JSON(h.store.ListWorkspacesByRepository(repoID))
}

// DeleteWorkspace removes a workspace. Rejected while sessions run in it.
func (h *SessionsHandler) DeleteWorkspace(c *fiber.Ctx) error {
	ws, err := h.store.GetWorkspace(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workspace not found"})
	}
	repo, err := h.store.GetRepository(ws.RepositoryID)
	if err != nil || repo.UserID != middleware.UserID(c) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workspace not found"})
	}

	if err := h.workspace.DeleteWorkspace(ws.ID); err != nil {
		if errors.Is(err, services.ErrRepositoryBusy) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "workspace deleted"})
}

// StartLogin kicks off the interactive CLI login and returns the OAuth URL
// the user must visit. A still-pending attempt for the same user is
// replaced.
func (h *SessionsHandler) StartLogin(c *fiber.Ctx) error {
	url, err := h.login.Start(middleware.UserID(c))
	if err != nil {
		if errors.Is(err, services.ErrLoginURLTimeout) {
			return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"login_url": url})
}

// CompleteLoginRequest is the body of POST /v1/auth/assistant/code.
type CompleteLoginRequest struct {
	Code string `json:"code"`
}

// CompleteLogin submits the OAuth code to the pending login attempt.
func (h *SessionsHandler) CompleteLogin(c *fiber.Ctx) error {
	var req CompleteLoginRequest
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "code is required"})
	}
	if err := h.login.Complete(middleware.UserID(c), req.Code); err != nil {
		if errors.Is(err, services.ErrNoPendingLogin) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "login completed"})
}

// ownedSession resolves the :id param to a session owned by the caller.
func (h *SessionsHandler) ownedSession(c *fiber.Ctx) (*models.Session, bool) {
	sess, err := h.store.GetSession(c.Params("id"))
	if err != nil || sess.UserID != middleware.UserID(c) {
		return nil, false
	}
	return sess, true
}

// ownedRepository resolves the :id param to a repository owned by the
// caller.
func (h *SessionsHandler) ownedRepository(c *fiber.Ctx) (*models.Repository, bool) {
	repo, err := h.store.GetRepository(c.Params("id"))
	if err != nil || repo.UserID != middleware.UserID(c) {
		return nil, false
	}
	return repo, true
}
