// Package githost talks to GitHub: it opens the pull request for a task, reads
// the CI state of its head commit and commits fixes to the PR branch.
package githost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

var (
	ErrInvalidRepo   = errors.New("repository must be in owner/name form")
	ErrTokenRequired = errors.New("GitHub token not set")
)

type Client struct {
	gh         *github.Client
	baseBranch string
}

type PullRequestInput struct {
	Repo    string
	Branch  string
	Path    string
	Content string
	Title   string
	Body    string
}

type PullRequest struct {
	URL    string
	Number int
}

// New creates a client authenticated with a static token.
func New(ctx context.Context, token, baseBranch string) (*Client, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return NewFromGitHub(github.NewClient(oauth2.NewClient(ctx, ts)), baseBranch), nil
}

// NewFromGitHub wraps an existing go-github client. An empty baseBranch means the
// repository default branch.
func NewFromGitHub(gh *github.Client, baseBranch string) *Client {
	return &Client{gh: gh, baseBranch: baseBranch}
}

func ParseRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepo, repo)
	}

	return owner, name, nil
}

// OpenPullRequest creates the branch off the base branch, commits the file and
// opens the pull request. Each stage tolerates having already happened, so a
// retried step converges on the same branch and PR.
func (c *Client) OpenPullRequest(ctx context.Context, in PullRequestInput) (*PullRequest, error) {
	owner, name, err := ParseRepo(in.Repo)
	if err != nil {
		return nil, err
	}

	base, err := c.resolveBase(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	if err := c.ensureBranch(ctx, owner, name, base, in.Branch); err != nil {
		return nil, err
	}

	if err := c.commitFile(ctx, owner, name, in.Branch, in.Path, in.Content, in.Title); err != nil {
		return nil, err
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.String(in.Title),
		Head:  github.String(in.Branch),
		Base:  github.String(base),
		Body:  github.String(in.Body),
	})
	if err != nil {
		if !hasStatus(err, http.StatusUnprocessableEntity) {
			return nil, fmt.Errorf("create pull request: %w", err)
		}
		return c.findOpenPullRequest(ctx, owner, name, in.Branch)
	}

	return &PullRequest{URL: pr.GetHTMLURL(), Number: pr.GetNumber()}, nil
}

// CommitFile writes content to path on branch, creating or updating the file.
func (c *Client) CommitFile(ctx context.Context, repo, branch, path, content, message string) error {
	owner, name, err := ParseRepo(repo)
	if err != nil {
		return err
	}

	return c.commitFile(ctx, owner, name, branch, path, content, message)
}

func (c *Client) resolveBase(ctx context.Context, owner, name string) (string, error) {
	if c.baseBranch != "" {
		return c.baseBranch, nil
	}

	repo, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return "", fmt.Errorf("get repository %s/%s: %w", owner, name, err)
	}

	return repo.GetDefaultBranch(), nil
}

func (c *Client) ensureBranch(ctx context.Context, owner, name, base, branch string) error {
	ref, _, err := c.gh.Git.GetRef(ctx, owner, name, "heads/"+base)
	if err != nil {
		return fmt.Errorf("get base ref %s: %w", base, err)
	}

	_, _, err = c.gh.Git.CreateRef(ctx, owner, name, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: ref.Object.SHA},
	})
	if err != nil && !hasStatus(err, http.StatusUnprocessableEntity) {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}

	return nil
}

func (c *Client) commitFile(ctx context.Context, owner, name, branch, path, content, message string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(branch),
	}

	existing, _, _, err := c.gh.Repositories.GetContents(ctx, owner, name, path, &github.RepositoryContentGetOptions{Ref: branch})
	switch {
	case err == nil && existing != nil:
		opts.SHA = existing.SHA
		if _, _, err := c.gh.Repositories.UpdateFile(ctx, owner, name, path, opts); err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
	case err == nil || hasStatus(err, http.StatusNotFound):
		if _, _, err := c.gh.Repositories.CreateFile(ctx, owner, name, path, opts); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	default:
		return fmt.Errorf("get contents %s: %w", path, err)
	}

	return nil
}

func (c *Client) findOpenPullRequest(ctx context.Context, owner, name, branch string) (*PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + branch,
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("no open pull request for branch %s", branch)
	}

	return &PullRequest{URL: prs[0].GetHTMLURL(), Number: prs[0].GetNumber()}, nil
}

func hasStatus(err error, status int) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == status
}
