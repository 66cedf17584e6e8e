package githost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/nadmax/autopr/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type promptRecorder struct {
	prompts []string
	err     error
}

func (p *promptRecorder) Generate(ctx context.Context, prompt string) (string, error) {
	p.prompts = append(p.prompts, prompt)
	if p.err != nil {
		return "", p.err
	}
	return "# fixed", nil
}

func ciFailedTask() *task.Task {
	t := task.NewTask("create FAQ doc", "acme/site", "trace-1")
	t.Kind = task.KindFAQ
	t.Branch = "autopr/faq"
	t.FilePath = "docs/faq.md"
	t.PRNumber = 7
	t.RetryCount = 1
	t.LastFailure = task.FailureCI
	t.FailingChecks = []string{"markdown-lint"}
	return t
}

func TestFixer_CommitsRegeneratedContent(t *testing.T) {
	client, mux := setupTestClient(t, "main")
	var committed atomic.Int32

	mux.HandleFunc("GET /repos/acme/site/contents/docs/faq.md", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"type":"file","sha":"old-sha"}`)
	})
	mux.HandleFunc("PUT /repos/acme/site/contents/docs/faq.md", func(w http.ResponseWriter, r *http.Request) {
		var opts github.RepositoryContentFileOptions
		require.NoError(t, json.NewDecoder(r.Body).Decode(&opts))
		assert.Equal(t, "# fixed", string(opts.Content))
		assert.Contains(t, opts.GetMessage(), "attempt 1")
		committed.Add(1)
		writeJSON(w, http.StatusOK, `{}`)
	})

	gen := &promptRecorder{}
	tk := ciFailedTask()
	require.NoError(t, NewFixer(client, gen, nil).Fix(context.Background(), tk))

	assert.Equal(t, int32(1), committed.Load())
	assert.Equal(t, "# fixed", tk.Content)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "markdown-lint")
}

func TestFixer_SkipsExecutionFailures(t *testing.T) {
	client, _ := setupTestClient(t, "main")
	gen := &promptRecorder{}

	tk := ciFailedTask()
	tk.LastFailure = task.FailureExecution
	require.NoError(t, NewFixer(client, gen, nil).Fix(context.Background(), tk))
	assert.Empty(t, gen.prompts)
}

func TestFixer_GeneratorError(t *testing.T) {
	client, _ := setupTestClient(t, "main")
	gen := &promptRecorder{err: errors.New("overloaded")}

	err := NewFixer(client, gen, nil).Fix(context.Background(), ciFailedTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}
