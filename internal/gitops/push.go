package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// RepoInfo is the owner/name pair parsed from a repository's GitHub remote.
type RepoInfo struct {
	Owner    string
	RepoName string
}

// authArgs returns the -c http.extraHeader flags that authenticate a fetch or
// push with a GitHub token, or nil when no token is supplied and git's own
// credential helpers apply.
func authArgs(token *string) []string {
	if token == nil || *token == "" {
		return nil
	}
	header := fmt.Sprintf("http.extraHeader=Authorization: Bearer %s", *token)
	return []string{"-c", header}
}

// PushToGithub pushes branch from worktree to origin, authenticating with
// token if provided. Failures are categorised push-failed or auth by output.
func (g *GitOps) PushToGithub(ctx context.Context, worktree, branch string, token *string) error {
	args := append(authArgs(token), "push", "--set-upstream", "origin", branch)
	_, err := run(ctx, worktree, "push_to_github", args...)
	return err
}

// GetGithubRepoInfo parses the origin remote URL of repo into owner and
// repository name. Both https and ssh remote forms are accepted.
func (g *GitOps) GetGithubRepoInfo(ctx context.Context, repo string) (RepoInfo, error) {
	output, err := run(ctx, repo, "get_github_repo_info", "remote", "get-url", "origin")
	if err != nil {
		return RepoInfo{}, err
	}
	return parseGithubRemoteURL(strings.TrimSpace(string(output)))
}

// parseGithubRemoteURL extracts owner/name from remote URL shapes like
// https://github.com/owner/repo.git, git@github.com:owner/repo.git, and
// ssh://git@github.com/owner/repo.
func parseGithubRemoteURL(url string) (RepoInfo, error) {
	s := url
	s = strings.TrimSuffix(s, ".git")
	switch {
	case strings.HasPrefix(s, "https://"), strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "ssh://"):
		parts := strings.Split(s, "/")
		if len(parts) >= 2 {
			return RepoInfo{Owner: parts[len(parts)-2], RepoName: parts[len(parts)-1]}, nil
		}
	case strings.Contains(s, ":"):
		// scp-like syntax: git@github.com:owner/repo
		tail := s[strings.Index(s, ":")+1:]
		parts := strings.Split(tail, "/")
		if len(parts) == 2 {
			return RepoInfo{Owner: parts[0], RepoName: parts[1]}, nil
		}
	}
	return RepoInfo{}, domain.NewError(domain.KindExternalService, fmt.Sprintf("cannot parse GitHub remote URL %q", url))
}
