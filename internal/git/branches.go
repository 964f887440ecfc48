package git

import (
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/models"
)

// ListBranches returns all local and remote-tracking branches of the clone
// at path, deduplicated preferring local refs over remote ones. It reads
// refs through go-git and falls back to the git binary when the repository
// cannot be opened that way.
func (s *Service) ListBranches(path string) ([]models.Branch, error) {
	branches, err := s.listBranchesGoGit(path)
	if err != nil {
		logger.Debugf("go-git branch listing failed for %s, falling back to shell: %v", path, err)
		branches, err = s.listBranchesShell(path)
		if err != nil {
			return nil, err
		}
	}
	return dedupeBranches(branches), nil
}

func (s *Service) listBranchesGoGit(path string) ([]models.Branch, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, err
	}

	var current string
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		current = head.Name().Short()
	}

	refs, err := repo.References()
	if err != nil {
		return nil, err
	}

	var branches []models.Branch
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name()
		switch {
		case name.IsBranch():
			branches = append(branches, models.Branch{
				Name:    name.Short(),
				Current: name.Short() == current,
			})
		case name.IsRemote():
			short := name.Short() // e.g. origin/main
			if _, branch, found := strings.Cut(short, "/"); found && branch != "HEAD" {
				branches = append(branches, models.Branch{Name: branch, IsRemote: true})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return branches, nil
}

func (s *Service) listBranchesShell(path string) ([]models.Branch, error) {
	out, err := s.exec.Run(path, "branch", "-a", "--format=%(refname:short)%(if)%(HEAD)%(then) *%(end)")
	if err != nil {
		return nil, err
	}

	var branches []models.Branch
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		current := strings.HasSuffix(line, " *")
		name := strings.TrimSuffix(line, " *")
		if rest, found := strings.CutPrefix(name, "origin/"); found {
			if rest == "HEAD" {
				continue
			}
			branches = append(branches, models.Branch{Name: rest, IsRemote: true})
			continue
		}
		branches = append(branches, models.Branch{Name: name, Current: current})
	}
	return branches, nil
}

// dedupeBranches collapses duplicate branch names, preferring the local
// entry when a branch exists both locally and on the remote.
func dedupeBranches(in []models.Branch) []models.Branch {
	byName := make(map[string]models.Branch, len(in))
	for _, b := range in {
		existing, seen := byName[b.Name]
		if !seen || (existing.IsRemote && !b.IsRemote) {
			byName[b.Name] = b
		}
	}

	out := make([]models.Branch, 0, len(byName))
	for _, b := range byName {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
