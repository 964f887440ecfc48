package models

import "time"

// SessionStatus tracks the lifecycle of a session record.
type SessionStatus string

const (
	SessionCreated SessionStatus = "created"
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
	SessionError   SessionStatus = "error"
)

// Session is the persisted record for a terminal or assistant session.
// Status running must imply a live registry entry; a running row with no
// entry is a crash-recovery leftover and is reconciled to stopped on
// next access.
type Session struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	WorkspaceID    string        `json:"workspace_id,omitempty"`
	ProcessID      int           `json:"process_id,omitempty"`
	WorkspacePath  string        `json:"workspace_path"`
	Name           string        `json:"name"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// Repository is a persisted bare-metal clone of a remote git repository.
type Repository struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	URL           string    `json:"url"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	Path          string    `json:"path"`
	LastFetchedAt time.Time `json:"last_fetched_at,omitempty"`
}

// Workspace is a git worktree of a repository bound to one branch. At most
// one workspace exists per (repository, branch) pair.
type Workspace struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	Branch       string    `json:"branch"`
	Path         string    `json:"path"`
	CreatedAt    time.Time `json:"created_at"`
}

// Branch describes one entry from a repository branch listing.
type Branch struct {
	Name     string `json:"name"`
	IsRemote bool   `json:"is_remote"`
	Current  bool   `json:"current"`
}
