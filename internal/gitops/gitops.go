// Package gitops implements the git plumbing consumed by the attempt
// service and the process supervisor: a fixed set of operations, nothing
// more. Read-only inspection runs through go-git; anything mutating or
// remote-facing shells out to the git CLI, which handles merge, rebase,
// and auth-aware pushes far more reliably than the library.
package gitops

import (
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// GitOps is stateless; every operation takes the repository or worktree
// path it applies to.
type GitOps struct{}

// New constructs a GitOps. It holds no state of its own.
func New() *GitOps {
	return &GitOps{}
}

// HeadInfo is the result of GetHeadInfo.
type HeadInfo struct {
	OID string
}

// BranchType distinguishes a local branch ref from a remote-tracking one.
type BranchType string

const (
	BranchTypeLocal  BranchType = "local"
	BranchTypeRemote BranchType = "remote"
)

func openRepo(path string) (*git.Repository, error) {
	// EnableDotGitCommonDir makes linked worktrees (a .git file pointing at
	// .git/worktrees/<name>) openable, which is how every attempt worktree
	// looks.
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true, EnableDotGitCommonDir: true})
	if err != nil {
		return nil, domain.WrapError(domain.KindExternalService, fmt.Sprintf("open repository at %s", path), err)
	}
	return repo, nil
}

// GetHeadInfo returns the worktree's current HEAD commit.
func (g *GitOps) GetHeadInfo(worktree string) (HeadInfo, error) {
	repo, err := openRepo(worktree)
	if err != nil {
		return HeadInfo{}, err
	}
	head, err := repo.Head()
	if err != nil {
		return HeadInfo{}, domain.WrapError(domain.KindExternalService, "read HEAD", err)
	}
	return HeadInfo{OID: head.Hash().String()}, nil
}

// GetBranchOID resolves a local branch name to its current commit OID.
func (g *GitOps) GetBranchOID(repo, branch string) (string, error) {
	r, err := openRepo(repo)
	if err != nil {
		return "", err
	}
	ref, err := r.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return "", domain.WrapError(domain.KindExternalService, fmt.Sprintf("resolve branch %s", branch),
			&Error{Kind: KindBranchNotFound, Op: "get_branch_oid", Cause: err})
	}
	return ref.Hash().String(), nil
}

// FindBranchType reports whether branch exists as a local or remote ref.
func (g *GitOps) FindBranchType(repo, branch string) (BranchType, error) {
	r, err := openRepo(repo)
	if err != nil {
		return "", err
	}
	if _, err := r.Reference(plumbing.NewBranchReferenceName(branch), true); err == nil {
		return BranchTypeLocal, nil
	}
	if _, err := r.Reference(plumbing.NewRemoteReferenceName("origin", branch), true); err == nil {
		return BranchTypeRemote, nil
	}
	return "", domain.WrapError(domain.KindExternalService, fmt.Sprintf("find branch type for %s", branch),
		&Error{Kind: KindBranchNotFound, Op: "find_branch_type"})
}

// GetCurrentBranch returns the short name of the branch repo's HEAD points
// at. Errors if HEAD is detached.
func (g *GitOps) GetCurrentBranch(repo string) (string, error) {
	r, err := openRepo(repo)
	if err != nil {
		return "", err
	}
	head, err := r.Head()
	if err != nil {
		return "", domain.WrapError(domain.KindExternalService, "read HEAD", err)
	}
	if !head.Name().IsBranch() {
		return "", domain.NewError(domain.KindExternalService, "HEAD is detached, not on a branch")
	}
	return head.Name().Short(), nil
}

// GetCommitSubject returns the first line of a commit's message.
func (g *GitOps) GetCommitSubject(worktree, sha string) (string, error) {
	r, err := openRepo(worktree)
	if err != nil {
		return "", err
	}
	commit, err := r.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return "", domain.WrapError(domain.KindExternalService, fmt.Sprintf("read commit %s", sha), err)
	}
	return firstLine(commit.Message), nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// GetBranchStatus returns how far headBranch is ahead/behind baseBranch,
// both resolved as local refs in repo.
func (g *GitOps) GetBranchStatus(repo, headBranch, baseBranch string) (ahead, behind int, err error) {
	r, err := openRepo(repo)
	if err != nil {
		return 0, 0, err
	}
	headOID, err := branchHash(r, headBranch)
	if err != nil {
		return 0, 0, err
	}
	baseOID, err := branchHash(r, baseBranch)
	if err != nil {
		return 0, 0, err
	}
	return aheadBehind(r, headOID, baseOID)
}

// AheadBehindCommitsByOID is GetBranchStatus's OID-addressed sibling, used
// once callers already hold resolved commit ids rather than branch names.
func (g *GitOps) AheadBehindCommitsByOID(worktree, head, target string) (ahead, behind int, err error) {
	r, err := openRepo(worktree)
	if err != nil {
		return 0, 0, err
	}
	return aheadBehind(r, plumbing.NewHash(head), plumbing.NewHash(target))
}

func branchHash(r *git.Repository, branch string) (plumbing.Hash, error) {
	ref, err := r.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if alt, altErr := r.Reference(plumbing.NewRemoteReferenceName("origin", branch), true); altErr == nil {
			return alt.Hash(), nil
		}
		return plumbing.ZeroHash, domain.WrapError(domain.KindExternalService, fmt.Sprintf("resolve branch %s", branch),
			&Error{Kind: KindBranchNotFound, Op: "resolve_branch", Cause: err})
	}
	return ref.Hash(), nil
}

// aheadBehind counts commits reachable from head but not target (ahead),
// and from target but not head (behind), using their merge-base as the
// divergence point -- the same algorithm git itself uses for
// `rev-list --left-right --count`.
func aheadBehind(r *git.Repository, head, target plumbing.Hash) (ahead, behind int, err error) {
	headCommit, err := r.CommitObject(head)
	if err != nil {
		return 0, 0, domain.WrapError(domain.KindExternalService, "resolve head commit", err)
	}
	targetCommit, err := r.CommitObject(target)
	if err != nil {
		return 0, 0, domain.WrapError(domain.KindExternalService, "resolve target commit", err)
	}

	bases, err := headCommit.MergeBase(targetCommit)
	if err != nil || len(bases) == 0 {
		// No common ancestor: treat every commit on each side as diverged.
		ahead, err = countUntil(r, head, plumbing.ZeroHash)
		if err != nil {
			return 0, 0, err
		}
		behind, err = countUntil(r, target, plumbing.ZeroHash)
		if err != nil {
			return 0, 0, err
		}
		return ahead, behind, nil
	}
	base := bases[0].Hash

	ahead, err = countUntil(r, head, base)
	if err != nil {
		return 0, 0, err
	}
	behind, err = countUntil(r, target, base)
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// countUntil counts commits reachable from `from`, walking first-parent
// history, stopping at (not counting) `stop`.
func countUntil(r *git.Repository, from, stop plumbing.Hash) (int, error) {
	if from == stop {
		return 0, nil
	}
	iter, err := r.Log(&git.LogOptions{From: from})
	if err != nil {
		return 0, domain.WrapError(domain.KindExternalService, "walk commit log", err)
	}
	defer iter.Close()

	count := 0
	walkErr := iter.ForEach(func(c *object.Commit) error {
		if c.Hash == stop {
			return object.ErrCanceled
		}
		count++
		return nil
	})
	if walkErr != nil && walkErr != object.ErrCanceled {
		return 0, domain.WrapError(domain.KindExternalService, "walk commit log", walkErr)
	}
	return count, nil
}
