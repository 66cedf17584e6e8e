// Package llm generates pull request content for a task goal.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/nadmax/autopr/internal/task"
)

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Prompt builds the single prompt template used for a task kind. failingChecks
// is non-empty when the content is regenerated after a CI failure.
func Prompt(kind task.Kind, goal, repo string, failingChecks []string) string {
	var b strings.Builder

	switch kind {
	case task.KindFAQ:
		b.WriteString("Write a Markdown FAQ document with short question and answer pairs.\n")
	case task.KindDeploy:
		b.WriteString("Write a Markdown deployment guide with numbered steps.\n")
	case task.KindCode:
		b.WriteString("Write a Markdown design note describing the code change.\n")
	default:
		b.WriteString("Write a Markdown documentation page.\n")
	}

	fmt.Fprintf(&b, "Repository: %s\nGoal: %s\n", repo, goal)

	if len(failingChecks) > 0 {
		fmt.Fprintf(&b, "The previous version failed these CI checks: %s. Fix the content so they pass.\n",
			strings.Join(failingChecks, ", "))
	}

	b.WriteString("Reply with the file content only.")

	return b.String()
}

// Static returns canned content derived from the prompt. It stands in for the
// Anthropic client when no API key is configured.
type Static struct{}

func (Static) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	goal := ""
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(line, "Goal: "); ok {
			goal = rest
			break
		}
	}

	return fmt.Sprintf("# %s\n\nThis page was generated by autopr.\n", goal), nil
}
