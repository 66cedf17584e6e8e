package githost

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/go-github/v57/github"
	"github.com/nadmax/autopr/internal/task"
)

var failedConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"cancelled":       true,
	"action_required": true,
}

// GetChecks aggregates the commit statuses and check runs on the PR head into a
// single CI state and returns the names of the failing checks. A head with no
// statuses or check runs yet reports unknown.
func (c *Client) GetChecks(ctx context.Context, repo string, prNumber int) (task.CIState, []string, error) {
	owner, name, err := ParseRepo(repo)
	if err != nil {
		return task.CIUnknown, nil, err
	}

	pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, prNumber)
	if err != nil {
		return task.CIUnknown, nil, fmt.Errorf("get pull request #%d: %w", prNumber, err)
	}
	sha := pr.GetHead().GetSHA()

	combined, _, err := c.gh.Repositories.GetCombinedStatus(ctx, owner, name, sha, nil)
	if err != nil {
		return task.CIUnknown, nil, fmt.Errorf("get combined status: %w", err)
	}

	runs, _, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, name, sha, &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return task.CIUnknown, nil, fmt.Errorf("list check runs: %w", err)
	}

	state, failing := aggregate(combined.Statuses, runs.CheckRuns)
	return state, failing, nil
}

func aggregate(statuses []*github.RepoStatus, runs []*github.CheckRun) (task.CIState, []string) {
	if len(statuses) == 0 && len(runs) == 0 {
		return task.CIUnknown, nil
	}

	var failing []string
	pending, errored := false, false

	for _, s := range statuses {
		switch s.GetState() {
		case "failure":
			failing = append(failing, s.GetContext())
		case "error":
			errored = true
			failing = append(failing, s.GetContext())
		case "pending":
			pending = true
		}
	}

	for _, r := range runs {
		if r.GetStatus() != "completed" {
			pending = true
			continue
		}
		if failedConclusions[r.GetConclusion()] {
			failing = append(failing, r.GetName())
		}
	}

	sort.Strings(failing)

	switch {
	case len(failing) > 0 && !errored:
		return task.CIFailure, failing
	case len(failing) > 0:
		return task.CIError, failing
	case pending:
		return task.CIPending, nil
	default:
		return task.CISuccess, nil
	}
}
