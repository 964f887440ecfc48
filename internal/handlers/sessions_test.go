package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/git"
	"github.com/drydock-dev/drydock/internal/middleware"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/registry"
	"github.com/drydock-dev/drydock/internal/services"
)

// okGit satisfies every git invocation, materializing directories the way
// the real binary would.
type okGit struct{}

func (okGit) Run(workingDir string, args ...string) ([]byte, error) {
	switch args[0] {
	case "clone":
		return nil, os.MkdirAll(args[2], 0o755)
	case "worktree":
		if args[1] == "add" {
			for _, a := range args[2:] {
				if strings.HasPrefix(a, "/") {
					return nil, os.MkdirAll(a, 0o755)
				}
			}
		}
		return nil, nil
	case "symbolic-ref":
		return []byte("origin/main\n"), nil
	default:
		return nil, nil
	}
}

type fixture struct {
	app   *fiber.App
	store *services.Store
	reg   *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := services.NewStore(t.TempDir(), 2)
	require.NoError(t, err)

	reg := registry.New()
	ws := services.NewWorkspaceService(store, git.NewService(okGit{}), reg, t.TempDir())
	login := services.NewLoginService(&config.RuntimeConfig{CredentialsDir: t.TempDir()})
	h := NewSessionsHandler(store, ws, reg, login, nil)

	am := middleware.NewAuthMiddleware(&config.RuntimeConfig{}) // auth disabled, user "local"
	app := fiber.New()
	app.Use(am.RequireAuth)

	v1 := app.Group("/v1")
	v1.Post("/sessions", h.CreateSession)
	v1.Get("/sessions", h.ListSessions)
	v1.Get("/sessions/:id", h.GetSession)
	v1.Delete("/sessions/:id", h.DeleteSession)
	v1.Post("/repositories", h.CreateRepository)
	v1.Get("/repositories", h.ListRepositories)
	v1.Post("/repositories/:id/fetch", h.FetchRepository)
	v1.Get("/repositories/:id/branches", h.ListBranches)
	v1.Delete("/repositories/:id", h.DeleteRepository)
	v1.Post("/workspaces", h.CreateWorkspace)
	v1.Get("/workspaces", h.ListWorkspaces)
	v1.Delete("/workspaces/:id", h.DeleteWorkspace)
	v1.Post("/auth/assistant/code", h.CompleteLogin)

	return &fixture{app: app, store: store, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*fiber.App, int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req, 5000)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return f.app, resp.StatusCode, payload
}

func TestCreateSessionAndQuota(t *testing.T) {
	f := newFixture(t)

	_, code, body := f.do(t, "POST", "/v1/sessions", CreateSessionRequest{Name: "first"})
	require.Equal(t, fiber.StatusCreated, code, string(body))

	var sess models.Session
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, "local", sess.UserID)
	assert.Equal(t, models.SessionCreated, sess.Status)
	assert.NotEmpty(t, sess.WorkspacePath)

	_, code, _ = f.do(t, "POST", "/v1/sessions", CreateSessionRequest{Name: "second"})
	require.Equal(t, fiber.StatusCreated, code)

	// Quota of 2 is now exhausted.
	_, code, _ = f.do(t, "POST", "/v1/sessions", CreateSessionRequest{Name: "third"})
	assert.Equal(t, fiber.StatusTooManyRequests, code)
}

func TestGetSessionHidesOtherUsers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateSession(&models.Session{ID: "foreign", UserID: "someone-else"}))

	_, code, _ := f.do(t, "GET", "/v1/sessions/foreign", nil)
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestDeleteSessionKillsProcessFirst(t *testing.T) {
	f := newFixture(t)

	_, code, body := f.do(t, "POST", "/v1/sessions", nil)
	require.Equal(t, fiber.StatusCreated, code)
	var sess models.Session
	require.NoError(t, json.Unmarshal(body, &sess))

	killed := false
	require.NoError(t, f.reg.Register(sess.ID, &registry.Handle{
		Kind: registry.KindTerminal,
		PID:  1,
		Kill: func() error { killed = true; return nil },
	}))

	_, code, _ = f.do(t, "DELETE", "/v1/sessions/"+sess.ID, nil)
	require.Equal(t, fiber.StatusOK, code)
	assert.True(t, killed)
	assert.NoDirExists(t, sess.WorkspacePath)

	_, code, _ = f.do(t, "GET", "/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestListSessionsReconcilesStaleRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateSession(&models.Session{
		ID: "stale", UserID: "local", Status: models.SessionRunning,
	}))

	_, code, body := f.do(t, "GET", "/v1/sessions", nil)
	require.Equal(t, fiber.StatusOK, code)

	var sessions []models.Session
	require.NoError(t, json.Unmarshal(body, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionStopped, sessions[0].Status)
}

func TestRepositoryWorkspaceLifecycle(t *testing.T) {
	f := newFixture(t)

	_, code, body := f.do(t, "POST", "/v1/repositories", CreateRepositoryRequest{URL: "https://example.com/acme/widgets.git"})
	require.Equal(t, fiber.StatusCreated, code, string(body))
	var repo models.Repository
	require.NoError(t, json.Unmarshal(body, &repo))
	assert.Equal(t, "main", repo.DefaultBranch)

	_, code, body = f.do(t, "POST", "/v1/workspaces", CreateWorkspaceRequest{RepositoryID: repo.ID, Branch: "main"})
	require.Equal(t, fiber.StatusCreated, code, string(body))
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(body, &ws))

	// Same branch again conflicts.
	_, code, _ = f.do(t, "POST", "/v1/workspaces", CreateWorkspaceRequest{RepositoryID: repo.ID, Branch: "main"})
	assert.Equal(t, fiber.StatusConflict, code)

	_, code, _ = f.do(t, "DELETE", "/v1/workspaces/"+ws.ID, nil)
	require.Equal(t, fiber.StatusOK, code)

	_, code, _ = f.do(t, "DELETE", "/v1/repositories/"+repo.ID, nil)
	require.Equal(t, fiber.StatusOK, code)
}

func TestCreateRepositoryRequiresURL(t *testing.T) {
	f := newFixture(t)
	_, code, _ := f.do(t, "POST", "/v1/repositories", CreateRepositoryRequest{})
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func TestCompleteLoginWithoutPending(t *testing.T) {
	f := newFixture(t)
	_, code, _ := f.do(t, "POST", "/v1/auth/assistant/code", CompleteLoginRequest{Code: "abc"})
	assert.Equal(t, fiber.StatusConflict, code)
}
