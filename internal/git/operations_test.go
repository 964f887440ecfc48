package git

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-dev/drydock/internal/models"
)

// fakeExecutor records invocations and replies from a script keyed on the
// leading git subcommand.
type fakeExecutor struct {
	calls   [][]string
	results map[string]fakeResult
}

type fakeResult struct {
	out []byte
	err error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: map[string]fakeResult{}}
}

func (f *fakeExecutor) Run(workingDir string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	key := strings.Join(args, " ")
	for pattern, res := range f.results {
		if strings.HasPrefix(key, pattern) {
			return res.out, res.err
		}
	}
	return nil, nil
}

func (f *fakeExecutor) callsMatching(prefix string) int {
	n := 0
	for _, call := range f.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			n++
		}
	}
	return n
}

func TestCloneRollsBackOnFailure(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "repos", "example")

	fake := newFakeExecutor()
	fake.results["clone"] = fakeResult{err: errors.New("git clone failed: repository not found")}
	svc := NewService(fake)

	// Simulate git leaving a partial directory behind.
	require.NoError(t, os.MkdirAll(dest, 0755))

	err := svc.Clone("https://example.com/missing.git", dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository not found")

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "partial clone directory should be removed")
}

func TestCreateWorktreeFallbackOrder(t *testing.T) {
	dir := t.TempDir()
	worktree := filepath.Join(dir, "wt", "feature")

	fake := newFakeExecutor()
	// Local branch attempt fails, remote-tracking attempt succeeds.
	fake.results["worktree add "+worktree] = fakeResult{err: errors.New("invalid reference: feature")}
	svc := NewService(fake)

	err := svc.CreateWorktree(dir, worktree, "feature")
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(fake.calls), 2)
	assert.Equal(t, []string{"worktree", "add", worktree, "feature"}, fake.calls[0])
	assert.Equal(t, "worktree add --track -b feature", strings.Join(fake.calls[2][:5], " "))
}

func TestCreateWorktreeAllAttemptsFail(t *testing.T) {
	dir := t.TempDir()
	worktree := filepath.Join(dir, "wt", "feature")

	fake := newFakeExecutor()
	fake.results["worktree add"] = fakeResult{err: errors.New("fatal: could not create work tree")}
	svc := NewService(fake)

	err := svc.CreateWorktree(dir, worktree, "feature")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create worktree")

	_, statErr := os.Stat(worktree)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveWorktreeToleratesMissing(t *testing.T) {
	dir := t.TempDir()
	worktree := filepath.Join(dir, "wt", "gone")

	fake := newFakeExecutor()
	fake.results["worktree remove"] = fakeResult{err: errors.New("fatal: '" + worktree + "' is not a working tree")}
	svc := NewService(fake)

	assert.NoError(t, svc.RemoveWorktree(dir, worktree))
	assert.Equal(t, 1, fake.callsMatching("worktree prune"))
}

func TestListBranchesShellDedupe(t *testing.T) {
	fake := newFakeExecutor()
	fake.results["branch -a"] = fakeResult{out: []byte("main *\nfeature\norigin/main\norigin/feature\norigin/release\norigin/HEAD\n")}
	svc := NewService(fake)

	branches, err := svc.listBranchesShell(t.TempDir())
	require.NoError(t, err)

	deduped := dedupeBranches(branches)
	require.Len(t, deduped, 3)

	byName := map[string]models.Branch{}
	for _, b := range deduped {
		byName[b.Name] = b
	}
	assert.False(t, byName["main"].IsRemote, "local ref preferred over remote")
	assert.True(t, byName["main"].Current)
	assert.False(t, byName["feature"].IsRemote)
	assert.True(t, byName["release"].IsRemote)
}

func TestDefaultBranch(t *testing.T) {
	fake := newFakeExecutor()
	fake.results["symbolic-ref"] = fakeResult{out: []byte("origin/main\n")}
	svc := NewService(fake)

	branch, err := svc.DefaultBranch(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}
