package stages

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/flowforge/backend/internal/pipeline"
)

const githubAPIBase = "https://api.github.com"

// CodeHandler validates the GitHub repository and branch the execution
// builds from, then publishes the repository binding to the shared context
// so the deploy stage can push artifacts.
type CodeHandler struct {
	caller *Caller
}

func (h *CodeHandler) Execute(ctx context.Context, req *Request) *Result {
	cfg := req.Stage.ToolConfig

	owner, repo := githubTarget(cfg)
	if owner == "" || repo == "" {
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: "GitHub repository not configured",
		}
	}

	branch := req.Branch
	if branch == "" {
		branch = configString(cfg, "branch", "defaultBranch")
	}
	if branch == "" {
		branch = "main"
	}

	token := ""
	if req.Auth != nil {
		token = req.Auth.Token
		if token == "" {
			token = req.Auth.APIKey
		}
	}
	if token == "" {
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: fmt.Sprintf("no credentials resolved for GitHub stage %s", req.Stage.Name),
		}
	}

	apiBase := strings.TrimSuffix(configString(cfg, "apiBaseUrl", "apiUrl"), "/")
	if apiBase == "" {
		apiBase = githubAPIBase
	}
	header := githubHeader(token)

	repoURL := fmt.Sprintf("%s/repos/%s/%s", apiBase, owner, repo)
	resp, err := h.caller.Do(ctx, BreakerGitHub, CallRequest{
		Method: http.MethodGet, URL: repoURL, Header: header,
	})
	if err != nil {
		return failedCall("GitHub", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: fmt.Sprintf("repository %s/%s not accessible (status %d)", owner, repo, resp.StatusCode),
		}
	}

	branchURL := fmt.Sprintf("%s/repos/%s/%s/branches/%s", apiBase, owner, repo, branch)
	resp, err = h.caller.Do(ctx, BreakerGitHub, CallRequest{
		Method: http.MethodGet, URL: branchURL, Header: header,
	})
	if err != nil {
		return failedCall("GitHub", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: fmt.Sprintf("branch %q not found in %s/%s (status %d)", branch, owner, repo, resp.StatusCode),
		}
	}

	var br struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	_ = resp.JSON(&br)

	if req.Shared != nil {
		req.Shared.SetGitHubTarget(GitHubTarget{
			Owner:    owner,
			Repo:     repo,
			Branch:   branch,
			Token:    token,
			BasePath: "pipelines",
		})
	}

	logs := []string{
		fmt.Sprintf("Repository %s/%s verified", owner, repo),
		fmt.Sprintf("Branch %s verified at %s", branch, short(br.Commit.SHA)),
	}
	return &Result{
		Status:  pipeline.StatusSuccess,
		Message: "code source verified",
		Data: map[string]interface{}{
			"owner": owner, "repo": repo, "branch": branch, "headSha": br.Commit.SHA,
		},
		LogLines: logs,
	}
}

// githubTarget extracts owner/repo from the tool config, accepting either
// separate keys or a combined "owner/repo" repository value.
func githubTarget(cfg map[string]interface{}) (owner, repo string) {
	owner = configString(cfg, "owner", "org", "organization")
	repo = configString(cfg, "repo", "repository", "repoName")
	if owner == "" && strings.Contains(repo, "/") {
		parts := strings.SplitN(repo, "/", 2)
		owner, repo = parts[0], parts[1]
	}
	return owner, repo
}

func githubHeader(token string) http.Header {
	return http.Header{
		"Authorization":        []string{"Bearer " + token},
		"Accept":               []string{"application/vnd.github+json"},
		"X-GitHub-Api-Version": []string{"2022-11-28"},
	}
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	if sha == "" {
		return "<unknown>"
	}
	return sha
}
