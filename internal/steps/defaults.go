package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nadmax/autopr/internal/githost"
	"github.com/nadmax/autopr/internal/llm"
	"github.com/nadmax/autopr/internal/task"
)

var (
	ErrRateLimited  = errors.New("pull request rate limit reached")
	ErrEmptyContent = errors.New("generator returned empty content")
)

type Publisher interface {
	OpenPullRequest(ctx context.Context, in githost.PullRequestInput) (*githost.PullRequest, error)
}

type RateGuard interface {
	CheckAndIncrement(ctx context.Context, maxPerHour int) (bool, int)
}

type Defaults struct {
	Generator     llm.Generator
	Publisher     Publisher
	Guard         RateGuard
	MaxPRsPerHour int
}

// RegisterDefaults installs the three steps of DefaultPlan on r.
func RegisterDefaults(r *Runner, d Defaults) {
	r.Register(StepAnalyze, analyze)
	r.Register(StepGenerate, d.generate)
	r.Register(StepOpenPR, d.openPullRequest)
}

func analyze(ctx context.Context, t *task.Task) error {
	if _, _, err := githost.ParseRepo(t.Repo); err != nil {
		return err
	}

	if t.Kind == "" {
		t.Kind = Classify(t.Goal)
	}
	t.FilePath = TargetPath(t.Kind, t.Goal)
	t.Branch = BranchName(t.Kind, t.ID)

	return nil
}

func (d Defaults) generate(ctx context.Context, t *task.Task) error {
	content, err := d.Generator.Generate(ctx, llm.Prompt(t.Kind, t.Goal, t.Repo, nil))
	if err != nil {
		return fmt.Errorf("generate content: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}

	t.Content = content
	return nil
}

func (d Defaults) openPullRequest(ctx context.Context, t *task.Task) error {
	if t.PRNumber != 0 {
		return nil
	}

	if d.Guard != nil {
		allowed, count := d.Guard.CheckAndIncrement(ctx, d.MaxPRsPerHour)
		if !allowed {
			return fmt.Errorf("%w: %d this hour, max %d", ErrRateLimited, count, d.MaxPRsPerHour)
		}
	}

	pr, err := d.Publisher.OpenPullRequest(ctx, githost.PullRequestInput{
		Repo:    t.Repo,
		Branch:  t.Branch,
		Path:    t.FilePath,
		Content: t.Content,
		Title:   fmt.Sprintf("autopr: %s", t.Goal),
		Body:    fmt.Sprintf("Opened by autopr.\n\nGoal: %s\nTrace: %s\n", t.Goal, t.TraceID),
	})
	if err != nil {
		return fmt.Errorf("open pull request: %w", err)
	}

	t.PRURL = pr.URL
	t.PRNumber = pr.Number
	t.CIState = task.CIPending

	return nil
}
