package trackerclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v61/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ridgeline-labs/controlplane/internal/config"
	"github.com/ridgeline-labs/controlplane/internal/logger"
)

// githubClient implements Client against the real GitHub REST API via
// google/go-github. Auth is either a GitHub App installation token
// (github.com/bradleyfalzon/ghinstallation/v2) or a personal access token
// (golang.org/x/oauth2 static token source), mirroring the teacher's
// gh_client.go/pat_client.go split without the gh-CLI dependency.
//
// Grounded on internal/github/client.go (interface shape), pat_client.go
// (endpoint list), and other_examples/manifests/helixml-helix/go.mod, which
// pairs go-github + oauth2 + ghinstallation for exactly this kind of
// App-or-PAT dual auth.
type githubClient struct {
	gh    *github.Client
	owner string
	repo  string
	log   *logger.Logger
}

// New builds a Client from cfg, choosing GitHub App auth when AppID,
// PrivateKeyPath, and InstallationID are all set, falling back to PAT auth
// otherwise. cfg.Repository must be in "owner/repo" form.
func New(cfg *config.Config, log *logger.Logger) (Client, error) {
	owner, repo, err := splitRepository(cfg.Repository)
	if err != nil {
		return nil, err
	}

	httpClient, authMode, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("build github http client: %w", err)
	}
	log.Info("github tracker client ready", zap.String("auth_mode", authMode), zap.String("repository", cfg.Repository))

	return &githubClient{
		gh:    github.NewClient(httpClient),
		owner: owner,
		repo:  repo,
		log:   log,
	}, nil
}

func splitRepository(repository string) (owner, repo string, err error) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q must be in owner/repo form", repository)
	}
	return parts[0], parts[1], nil
}

func buildHTTPClient(cfg *config.Config) (*http.Client, string, error) {
	if cfg.AppID != 0 && cfg.PrivateKeyPath != "" && cfg.InstallationID != 0 {
		tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
		if err != nil {
			return nil, "", fmt.Errorf("load github app private key: %w", err)
		}
		return &http.Client{Transport: tr}, "github_app", nil
	}
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		return oauth2.NewClient(context.Background(), ts), "pat", nil
	}
	return nil, "", fmt.Errorf("no credentials configured: set appId/privateKeyPath/installationId or token")
}

func (c *githubClient) ListOpenIssuesByLabel(ctx context.Context, label string) ([]Issue, error) {
	opt := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{label},
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []Issue
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, opt)
		if err != nil {
			return nil, fmt.Errorf("list open issues by label %q: %w", label, err)
		}
		for _, iss := range issues {
			if iss.IsPullRequest() {
				continue
			}
			out = append(out, convertIssue(iss))
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) GetIssue(ctx context.Context, number int) (*Issue, error) {
	iss, _, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	out := convertIssue(iss)
	return &out, nil
}

func (c *githubClient) AddLabel(ctx context.Context, number int, label string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, []string{label})
	if err != nil {
		return fmt.Errorf("add label %q to issue #%d: %w", label, number, err)
	}
	return nil
}

func (c *githubClient) RemoveLabel(ctx context.Context, number int, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, label)
	if err != nil {
		return fmt.Errorf("remove label %q from issue #%d: %w", label, number, err)
	}
	return nil
}

func (c *githubClient) ListPullRequests(ctx context.Context) ([]PullRequest, error) {
	opt := &github.PullRequestListOptions{State: "open", ListOptions: github.ListOptions{PerPage: 100}}
	var out []PullRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opt)
		if err != nil {
			return nil, fmt.Errorf("list pull requests: %w", err)
		}
		for _, pr := range prs {
			out = append(out, convertPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get pull request #%d: %w", number, err)
	}
	out := convertPR(pr)
	return &out, nil
}

func (c *githubClient) FindPullRequestForBranch(ctx context.Context, branch string) (*PullRequest, error) {
	opt := &github.PullRequestListOptions{
		State:       "open",
		Head:        fmt.Sprintf("%s:%s", c.owner, branch),
		ListOptions: github.ListOptions{PerPage: 1},
	}
	prs, _, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opt)
	if err != nil {
		return nil, fmt.Errorf("find pull request for branch %q: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	out := convertPR(prs[0])
	return &out, nil
}

func (c *githubClient) ListPRFiles(ctx context.Context, number int) ([]string, error) {
	opt := &github.ListOptions{PerPage: 100}
	var out []string
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, c.owner, c.repo, number, opt)
		if err != nil {
			return nil, fmt.Errorf("list files for pull request #%d: %w", number, err)
		}
		for _, f := range files {
			out = append(out, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) ListPRReviews(ctx context.Context, number int) ([]Review, error) {
	opt := &github.ListOptions{PerPage: 100}
	var out []Review
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, c.owner, c.repo, number, opt)
		if err != nil {
			return nil, fmt.Errorf("list reviews for pull request #%d: %w", number, err)
		}
		for _, r := range reviews {
			out = append(out, Review{
				Author: r.GetUser().GetLogin(),
				State:  r.GetState(),
				Body:   r.GetBody(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) ListPRInlineComments(ctx context.Context, number int) ([]Comment, error) {
	opt := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var out []Comment
	for {
		comments, resp, err := c.gh.PullRequests.ListComments(ctx, c.owner, c.repo, number, opt)
		if err != nil {
			return nil, fmt.Errorf("list inline comments for pull request #%d: %w", number, err)
		}
		for _, cm := range comments {
			out = append(out, Comment{
				Author: cm.GetUser().GetLogin(),
				Path:   cm.GetPath(),
				Body:   cm.GetBody(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) GetCombinedCommitStatus(ctx context.Context, ref string) (*CombinedStatus, error) {
	status, _, err := c.gh.Repositories.GetCombinedStatus(ctx, c.owner, c.repo, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("get combined status for %q: %w", ref, err)
	}
	return &CombinedStatus{
		State:       status.GetState(),
		StatusCount: status.GetTotalCount(),
	}, nil
}

func (c *githubClient) ListCheckRuns(ctx context.Context, ref string) ([]CheckRun, error) {
	opt := &github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var out []CheckRun
	for {
		result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, ref, opt)
		if err != nil {
			return nil, fmt.Errorf("list check runs for %q: %w", ref, err)
		}
		for _, run := range result.CheckRuns {
			out = append(out, CheckRun{
				Name:       run.GetName(),
				Status:     run.GetStatus(),
				Conclusion: run.GetConclusion(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) GetTree(ctx context.Context, ref string, recursive bool) ([]TreeEntry, error) {
	tree, _, err := c.gh.Git.GetTree(ctx, c.owner, c.repo, ref, recursive)
	if err != nil {
		return nil, fmt.Errorf("get tree %q: %w", ref, err)
	}
	out := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		out = append(out, TreeEntry{
			Path: e.GetPath(),
			SHA:  e.GetSHA(),
			Type: e.GetType(),
		})
	}
	return out, nil
}

func (c *githubClient) GetRef(ctx context.Context, ref string) (string, error) {
	r, _, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, ref)
	if err != nil {
		return "", fmt.Errorf("get ref %q: %w", ref, err)
	}
	return r.GetObject().GetSHA(), nil
}

func (c *githubClient) GetFileContent(ctx context.Context, path, ref string) ([]byte, error) {
	fileContent, _, _, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("get file content %q@%q: %w", path, ref, err)
	}
	if fileContent == nil {
		return nil, fmt.Errorf("get file content %q@%q: path is a directory", path, ref)
	}
	if fileContent.GetEncoding() == "base64" && fileContent.Content != nil {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(*fileContent.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("decode file content %q@%q: %w", path, ref, err)
		}
		return decoded, nil
	}
	content, err := fileContent.GetContent()
	if err != nil {
		return nil, fmt.Errorf("get file content %q@%q: %w", path, ref, err)
	}
	return []byte(content), nil
}

func convertIssue(iss *github.Issue) Issue {
	labels := make([]string, 0, len(iss.Labels))
	for _, l := range iss.Labels {
		labels = append(labels, l.GetName())
	}
	return Issue{
		Number: iss.GetNumber(),
		Title:  iss.GetTitle(),
		Body:   iss.GetBody(),
		Labels: labels,
		Open:   iss.GetState() == "open",
	}
}

func convertPR(pr *github.PullRequest) PullRequest {
	return PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		URL:     pr.GetHTMLURL(),
		HeadSHA: pr.GetHead().GetSHA(),
		HeadRef: pr.GetHead().GetRef(),
		Author:  pr.GetUser().GetLogin(),
		Body:    pr.GetBody(),
		Draft:   pr.GetDraft(),
		Open:    pr.GetState() == "open",
	}
}
