package steps

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nadmax/autopr/internal/task"
)

// keyword order decides ties: a goal mentioning both deploy and docs is a deploy task.
var kindKeywords = []struct {
	kind     task.Kind
	keywords []string
}{
	{task.KindDeploy, []string{"deploy", "deployment", "release", "rollout"}},
	{task.KindFAQ, []string{"faq", "faqs", "questions"}},
	{task.KindCode, []string{"code", "refactor", "bug", "fix", "implement", "feature"}},
	{task.KindDocs, []string{"doc", "docs", "documentation", "readme", "guide"}},
}

// Classify maps a free-text goal to a task kind by whole-word keyword match.
// Goals matching nothing are documentation tasks.
func Classify(goal string) task.Kind {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}

	for _, entry := range kindKeywords {
		for _, kw := range entry.keywords {
			if words[kw] {
				return entry.kind
			}
		}
	}

	return task.KindDocs
}

func ParseKind(s string) (task.Kind, error) {
	switch k := task.Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case task.KindDocs, task.KindFAQ, task.KindDeploy, task.KindCode:
		return k, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown task kind %q", s)
	}
}

// TargetPath is the repository file a task of kind writes.
func TargetPath(kind task.Kind, goal string) string {
	switch kind {
	case task.KindFAQ:
		return "docs/faq.md"
	case task.KindDeploy:
		return "docs/deploy.md"
	case task.KindCode:
		return "docs/design/" + Slug(goal) + ".md"
	default:
		return "docs/" + Slug(goal) + ".md"
	}
}

func BranchName(kind task.Kind, taskID string) string {
	id := taskID
	if len(id) > 8 {
		id = id[:8]
	}

	return fmt.Sprintf("autopr/%s-%s", kind, id)
}

const maxSlugLength = 40

func Slug(s string) string {
	var b strings.Builder
	dash := false

	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "page"
	}

	return slug
}
