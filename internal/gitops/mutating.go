package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// run executes a git subcommand in dir and returns combined output, wrapped
// in a categorised error on failure.
func run(ctx context.Context, dir, op string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, wrapf(op, err, output)
	}
	return output, nil
}

// GetWorktreeChangeCounts reports (uncommitted, untracked) file counts.
// Uses the CLI's porcelain status rather than go-git's, since go-git does
// not honor core.excludesfile and would over-count untracked files the
// user's global gitignore excludes.
func (g *GitOps) GetWorktreeChangeCounts(ctx context.Context, worktree string) (uncommitted, untracked int, err error) {
	output, err := run(ctx, worktree, "get_worktree_change_counts", "status", "--porcelain")
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(strings.TrimRight(string(output), "\n"), "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "??") {
			untracked++
		} else {
			uncommitted++
		}
	}
	return uncommitted, untracked, nil
}

// ResetWorktreeToCommit hard-resets worktree to oid. Dirty means any
// uncommitted or untracked change; without forceWhenDirty a dirty worktree
// is refused rather than have work discarded.
func (g *GitOps) ResetWorktreeToCommit(ctx context.Context, worktree, oid string, forceWhenDirty bool) error {
	if !forceWhenDirty {
		uncommitted, untracked, err := g.GetWorktreeChangeCounts(ctx, worktree)
		if err != nil {
			return err
		}
		if uncommitted > 0 || untracked > 0 {
			return domain.NewError(domain.KindConflict, "worktree has uncommitted or untracked changes; refusing reset without force")
		}
	}
	_, err := run(ctx, worktree, "reset_worktree_to_commit", "reset", "--hard", oid)
	return err
}

// MergeChanges checks out base in repo and merges branch into it with a
// merge commit carrying message, returning the resulting commit's OID.
func (g *GitOps) MergeChanges(ctx context.Context, repo, worktree, branch, base, message string) (string, error) {
	if _, err := run(ctx, repo, "merge_changes", "checkout", base); err != nil {
		return "", err
	}
	if _, err := run(ctx, repo, "merge_changes", "merge", "--no-ff", "-m", message, branch); err != nil {
		return "", err
	}
	output, err := run(ctx, repo, "merge_changes", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// RebaseBranch rebases the branch checked out in worktree onto newBase (if
// provided) or currentBase, fetching first so a remote base is current.
// token, if set, authenticates the fetch (see pushAuthArgs).
func (g *GitOps) RebaseBranch(ctx context.Context, repo, worktree string, newBase *string, currentBase string, token *string) (string, error) {
	base := currentBase
	if newBase != nil && *newBase != "" {
		base = *newBase
	}

	fetchArgs := append(authArgs(token), "fetch", "origin")
	if _, err := run(ctx, worktree, "rebase_branch", fetchArgs...); err != nil {
		// Fetch failure is tolerated -- rebase proceeds against whatever
		// local ref state already exists, so offline and no-upstream
		// repositories keep working.
		_ = err
	}

	if _, err := run(ctx, worktree, "rebase_branch", "rebase", base); err != nil {
		return "", err
	}

	output, err := run(ctx, worktree, "rebase_branch", "rev-parse", base)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// DeleteFileAndCommit removes path from worktree and commits the removal,
// returning the new commit's OID.
func (g *GitOps) DeleteFileAndCommit(ctx context.Context, worktree, path string) (string, error) {
	if _, err := run(ctx, worktree, "delete_file_and_commit", "rm", path); err != nil {
		return "", err
	}
	if _, err := run(ctx, worktree, "delete_file_and_commit", "commit", "-m", fmt.Sprintf("Delete %s", path)); err != nil {
		return "", err
	}
	output, err := run(ctx, worktree, "delete_file_and_commit", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// GetRemoteNameFromBranchName extracts the remote name from a
// remote-tracking branch reference like "origin/feature-x".
func (g *GitOps) GetRemoteNameFromBranchName(ctx context.Context, worktree, remoteBranch string) (string, error) {
	if idx := strings.Index(remoteBranch, "/"); idx > 0 {
		return remoteBranch[:idx], nil
	}
	return "", domain.NewError(domain.KindValidation, fmt.Sprintf("%q is not a remote-tracking branch reference", remoteBranch))
}

// GetRemoteBranchStatus reports (ahead, behind) for headBranch against
// either the supplied remoteBase or headBranch's own upstream, fetching
// first so the comparison reflects the remote's current tip.
func (g *GitOps) GetRemoteBranchStatus(ctx context.Context, worktree, headBranch string, remoteBase *string, token *string) (ahead, behind int, err error) {
	fetchArgs := append(authArgs(token), "fetch", "origin")
	if _, err := run(ctx, worktree, "get_remote_branch_status", fetchArgs...); err != nil {
		return 0, 0, err
	}

	base := "origin/" + headBranch
	if remoteBase != nil && *remoteBase != "" {
		base = *remoteBase
	}

	headOut, err := run(ctx, worktree, "get_remote_branch_status", "rev-parse", headBranch)
	if err != nil {
		return 0, 0, err
	}
	baseOut, err := run(ctx, worktree, "get_remote_branch_status", "rev-parse", base)
	if err != nil {
		return 0, 0, err
	}

	countOut, err := run(ctx, worktree, "get_remote_branch_status", "rev-list", "--left-right", "--count",
		fmt.Sprintf("%s...%s", strings.TrimSpace(string(baseOut)), strings.TrimSpace(string(headOut))))
	if err != nil {
		return 0, 0, err
	}
	return parseLeftRightCount(countOut)
}

func parseLeftRightCount(output []byte) (ahead, behind int, err error) {
	fields := strings.Fields(string(output))
	if len(fields) != 2 {
		return 0, 0, domain.NewError(domain.KindExternalService, fmt.Sprintf("unexpected rev-list --left-right output: %q", output))
	}
	behind, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, domain.WrapError(domain.KindExternalService, "parse behind count", err)
	}
	ahead, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, domain.WrapError(domain.KindExternalService, "parse ahead count", err)
	}
	return ahead, behind, nil
}
