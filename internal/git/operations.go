// Package git drives the external git binary for clone, fetch and worktree
// lifecycle, with go-git used for read-only ref inspection.
package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/drydock-dev/drydock/internal/logger"
)

// Service exposes the synchronous git operations the workspace lifecycle
// depends on.
type Service struct {
	exec Executor
}

// NewService creates a git service backed by the given executor.
func NewService(exec Executor) *Service {
	return &Service{exec: exec}
}

// Clone clones url into destPath. On failure any partially created
// directory is removed before the error is surfaced.
func (s *Service) Clone(url, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to prepare clone parent directory: %w", err)
	}

	if _, err := s.exec.Run("", "clone", url, destPath); err != nil {
		if rmErr := os.RemoveAll(destPath); rmErr != nil {
			logger.Warnf("failed to clean up partial clone at %s: %v", destPath, rmErr)
		}
		return fmt.Errorf("clone of %s failed: %w", url, err)
	}
	return nil
}

// Fetch updates all remote refs of the clone at path.
func (s *Service) Fetch(path string) error {
	if _, err := s.exec.Run(path, "fetch", "--all", "--prune"); err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	return nil
}

// DefaultBranch resolves the remote HEAD branch name of the clone at path.
func (s *Service) DefaultBranch(path string) (string, error) {
	out, err := s.exec.Run(path, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(string(out))
	if branch, found := strings.CutPrefix(ref, "origin/"); found {
		return branch, nil
	}
	return ref, nil
}

// CreateWorktree adds a worktree at worktreePath for branch. It tries the
// local branch first, then the remote-tracking branch, then creates a
// fresh branch, surfacing the first success. Partially created directories
// are rolled back before an error is returned.
func (s *Service) CreateWorktree(repoPath, worktreePath, branch string) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return fmt.Errorf("failed to prepare worktree parent directory: %w", err)
	}

	attempts := [][]string{
		{"worktree", "add", worktreePath, branch},
		{"worktree", "add", "--track", "-b", branch, worktreePath, "origin/" + branch},
		{"worktree", "add", "-b", branch, worktreePath},
	}

	var lastErr error
	for _, args := range attempts {
		if _, err := s.exec.Run(repoPath, args...); err == nil {
			return nil
		} else {
			lastErr = err
			s.rollbackWorktree(repoPath, worktreePath)
		}
	}
	return fmt.Errorf("failed to create worktree for branch %s: %w", branch, lastErr)
}

// RemoveWorktree detaches the worktree registration and removes its
// directory. A worktree that is already gone is not an error.
func (s *Service) RemoveWorktree(repoPath, worktreePath string) error {
	if _, err := s.exec.Run(repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		if !isMissingWorktreeErr(err) {
			return fmt.Errorf("worktree remove failed: %w", err)
		}
		// Registration already gone; still prune and clear the directory.
		if _, pruneErr := s.exec.Run(repoPath, "worktree", "prune"); pruneErr != nil {
			logger.Debugf("worktree prune failed: %v", pruneErr)
		}
	}
	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("failed to remove worktree directory: %w", err)
	}
	return nil
}

// rollbackWorktree cleans up after a failed worktree add attempt so the
// next attempt (or the caller) sees a clean slate.
func (s *Service) rollbackWorktree(repoPath, worktreePath string) {
	if _, err := os.Stat(worktreePath); err == nil {
		if err := os.RemoveAll(worktreePath); err != nil {
			logger.Warnf("failed to remove partial worktree at %s: %v", worktreePath, err)
		}
	}
	if _, err := s.exec.Run(repoPath, "worktree", "prune"); err != nil {
		logger.Debugf("worktree prune after rollback failed: %v", err)
	}
}

func isMissingWorktreeErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "is not a working tree") ||
		strings.Contains(msg, "No such file or directory") ||
		strings.Contains(msg, "not a valid path")
}
