package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/git"
	"github.com/drydock-dev/drydock/internal/handlers"
	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/middleware"
	"github.com/drydock-dev/drydock/internal/registry"
	"github.com/drydock-dev/drydock/internal/services"
)

var (
	servePort       int
	serveConfigPath string
)

// fileConfig is the optional YAML config for the serve command. Every
// field falls back to the detected runtime defaults.
type fileConfig struct {
	Port               int    `yaml:"port"`
	AuthSecret         string `yaml:"auth_secret"`
	Shell              string `yaml:"shell"`
	AssistantBin       string `yaml:"assistant_bin"`
	MaxSessionsPerUser int    `yaml:"max_sessions_per_user"`
	WorkspaceDir       string `yaml:"workspace_dir"`
	StateDir           string `yaml:"state_dir"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the drydock server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "port to listen on")
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

// applyFileConfig overlays the YAML file, if given, onto the detected
// runtime config.
func applyFileConfig(cfg *config.RuntimeConfig) (int, error) {
	port := servePort
	if serveConfigPath == "" {
		return port, nil
	}

	data, err := os.ReadFile(serveConfigPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return 0, fmt.Errorf("failed to parse config file: %w", err)
	}

	if fc.Port > 0 {
		port = fc.Port
	}
	if fc.AuthSecret != "" {
		cfg.AuthSecret = fc.AuthSecret
	}
	if fc.Shell != "" {
		cfg.Shell = fc.Shell
	}
	if fc.AssistantBin != "" {
		cfg.AssistantBin = fc.AssistantBin
	}
	if fc.MaxSessionsPerUser > 0 {
		cfg.MaxSessionsPerUser = fc.MaxSessionsPerUser
	}
	if fc.WorkspaceDir != "" {
		cfg.WorkspaceDir = fc.WorkspaceDir
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
	}
	return port, nil
}

func runServe() error {
	cfg := config.Runtime
	port, err := applyFileConfig(cfg)
	if err != nil {
		return err
	}

	store, err := services.NewStore(cfg.StateDir, cfg.MaxSessionsPerUser)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	reg := registry.New()
	// The registry is empty on boot, so any persisted running session is
	// an orphan from a previous server life.
	store.ReconcileAll(reg)

	gitSvc := git.NewService(git.NewShellExecutor())
	workspaceSvc := services.NewWorkspaceService(store, gitSvc, reg, cfg.WorkspaceDir)
	terminalCtrl := services.NewTerminalController(store, reg, cfg)
	assistantCtrl := services.NewAssistantController(store, reg, cfg)
	loginSvc := services.NewLoginService(cfg)

	watcher, err := services.NewSessionWatcher(cfg, assistantCtrl)
	if err != nil {
		logger.Warnf("transcript watching unavailable: %v", err)
		watcher = nil
	}

	sessionsHandler := handlers.NewSessionsHandler(store, workspaceSvc, reg, loginSvc, watcher)
	terminalWS := handlers.NewTerminalWSHandler(store, terminalCtrl, reg)
	assistantWS := handlers.NewAssistantWSHandler(store, assistantCtrl, reg, watcher)
	authMw := middleware.NewAuthMiddleware(cfg)

	app := fiber.New(fiber.Config{
		AppName:               "drydock",
		DisableStartupMessage: true,
	})
	app.Use(fiberrecover.New())
	app.Use(authMw.RequireAuth)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/v1")
	v1.Post("/sessions", sessionsHandler.CreateSession)
	v1.Get("/sessions", sessionsHandler.ListSessions)
	v1.Get("/sessions/:id", sessionsHandler.GetSession)
	v1.Delete("/sessions/:id", sessionsHandler.DeleteSession)
	v1.Get("/sessions/:id/terminal", terminalWS.Upgrade)
	v1.Get("/sessions/:id/assistant", assistantWS.Upgrade)

	v1.Post("/repositories", sessionsHandler.CreateRepository)
	v1.Get("/repositories", sessionsHandler.ListRepositories)
	v1.Post("/repositories/:id/fetch", sessionsHandler.FetchRepository)
	v1.Get("/repositories/:id/branches", sessionsHandler.ListBranches)
	v1.Delete("/repositories/:id", sessionsHandler.DeleteRepository)

	v1.Post("/workspaces", sessionsHandler.CreateWorkspace)
	v1.Get("/workspaces", sessionsHandler.ListWorkspaces)
	v1.Delete("/workspaces/:id", sessionsHandler.DeleteWorkspace)

	v1.Post("/auth/assistant", sessionsHandler.StartLogin)
	v1.Post("/auth/assistant/code", sessionsHandler.CompleteLogin)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("drydock listening on :%d", port)
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Infof("received %s, shutting down", sig)
	}

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warnf("server shutdown: %v", err)
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	// Session processes do not outlive the server.
	reg.Shutdown()
	return nil
}
