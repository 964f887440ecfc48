package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/logger"
)

// Executor abstracts git command execution so operations can be tested
// against a fake.
type Executor interface {
	Run(workingDir string, args ...string) ([]byte, error)
}

// ShellExecutor invokes the git binary synchronously. Multi-step
// operations (clone, worktree) always go through the shell; go-git covers
// only the read paths in branches.go.
type ShellExecutor struct {
	defaultEnv []string
	timeout    time.Duration
}

// NewShellExecutor creates a shell-backed git executor.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{
		defaultEnv: []string{
			"HOME=" + config.Runtime.HomeDir,
			"GIT_TERMINAL_PROMPT=0",
		},
		timeout: 2 * time.Minute,
	}
}

// Run executes git with -C workingDir. Stderr is folded into the returned
// error so callers can inspect failure text.
func (e *ShellExecutor) Run(workingDir string, args ...string) ([]byte, error) {
	if workingDir != "" {
		args = append([]string{"-C", workingDir}, args...)
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	logger.Debugf("git %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(cmd.Environ(), e.defaultEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("git %s timed out after %v", strings.Join(args, " "), e.timeout)
		}
		return nil, fmt.Errorf("git %s failed: %v\nstderr: %s", strings.Join(args, " "), err, stderr.String())
	}

	return stdout.Bytes(), nil
}
