package githost

import (
	"context"
	"fmt"

	"github.com/nadmax/autopr/internal/llm"
	"github.com/nadmax/autopr/internal/task"
	"go.uber.org/zap"
)

type Fixer struct {
	client    *Client
	generator llm.Generator
	logger    *zap.Logger
}

func NewFixer(client *Client, generator llm.Generator, logger *zap.Logger) *Fixer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fixer{client: client, generator: generator, logger: logger}
}

// Fix regenerates the task content with the failing check names and commits it to
// the PR branch. Execution failures need no remediation beyond the retry itself.
func (f *Fixer) Fix(ctx context.Context, t *task.Task) error {
	if t.LastFailure != task.FailureCI || t.PRNumber == 0 {
		return nil
	}

	content, err := f.generator.Generate(ctx, llm.Prompt(t.Kind, t.Goal, t.Repo, t.FailingChecks))
	if err != nil {
		return fmt.Errorf("regenerate content: %w", err)
	}

	message := fmt.Sprintf("autopr: fix failing checks (attempt %d)", t.RetryCount)
	if err := f.client.CommitFile(ctx, t.Repo, t.Branch, t.FilePath, content, message); err != nil {
		return err
	}

	t.Content = content
	f.logger.Info("committed fix",
		zap.String("trace_id", t.TraceID),
		zap.String("task_id", t.ID),
		zap.Strings("failing_checks", t.FailingChecks),
	)

	return nil
}
