package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/drydock-dev/drydock/internal/logger"
)

// RuntimeConfig holds the directory layout and limits the server operates
// under. A single global instance is detected at init and may be overridden
// by tests or the serve command.
type RuntimeConfig struct {
	// WorkspaceDir is the root under which session working directories,
	// repository clones and worktrees are materialized.
	WorkspaceDir string
	// StateDir holds persisted session/repository/workspace records.
	StateDir string
	// CredentialsDir is the root of per-user assistant credential
	// directories; each user gets CredentialsDir/<userID>.
	CredentialsDir string
	HomeDir        string
	TempDir        string

	// AssistantBin is the code-assistant CLI executable.
	AssistantBin string
	// Shell is the login shell spawned for terminal sessions.
	Shell string

	// MaxSessionsPerUser caps live sessions per user.
	MaxSessionsPerUser int
	// LoginTimeout bounds the login-URL discovery flow.
	LoginTimeout time.Duration

	// AuthSecret signs connection tokens. Empty means auth is disabled
	// (local development only).
	AuthSecret string
}

// Runtime is the global runtime configuration instance.
var Runtime *RuntimeConfig

func init() {
	Runtime = Detect()
}

// Detect builds a RuntimeConfig from the environment.
func Detect() *RuntimeConfig {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
		if homeDir == "" {
			homeDir = "."
		}
	}

	baseDir := os.Getenv("DRYDOCK_DIR")
	if baseDir == "" {
		baseDir = filepath.Join(homeDir, ".drydock")
	}

	cfg := &RuntimeConfig{
		WorkspaceDir:       filepath.Join(baseDir, "workspace"),
		StateDir:           filepath.Join(baseDir, "state"),
		CredentialsDir:     filepath.Join(baseDir, "credentials"),
		HomeDir:            homeDir,
		TempDir:            os.TempDir(),
		AssistantBin:       envOr("DRYDOCK_ASSISTANT_BIN", "claude"),
		Shell:              envOr("DRYDOCK_SHELL", "/bin/bash"),
		MaxSessionsPerUser: envIntOr("DRYDOCK_MAX_SESSIONS", 5),
		LoginTimeout:       30 * time.Second,
		AuthSecret:         os.Getenv("DRYDOCK_AUTH_SECRET"),
	}

	for _, dir := range []string{cfg.WorkspaceDir, cfg.StateDir, cfg.CredentialsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Warnf("failed to create directory %s: %v", dir, err)
		}
	}

	return cfg
}

// UserCredentialDir returns the isolated assistant credential/config
// directory for a user, creating it if needed.
func (c *RuntimeConfig) UserCredentialDir(userID string) string {
	dir := filepath.Join(c.CredentialsDir, userID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		logger.Warnf("failed to create credential directory %s: %v", dir, err)
	}
	return dir
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
