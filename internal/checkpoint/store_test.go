package checkpoint

import (
	"context"
	"testing"

	"github.com/nadmax/autopr/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestSaveAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := task.NewTask("create FAQ doc", "acme/site", "trace-1")
	tk.Plan = []string{"analyze goal", "generate content"}
	tk.CurrentStepIndex = 1
	require.NoError(t, s.SaveTask(ctx, tk))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.Goal, got.Goal)
	assert.Equal(t, "trace-1", got.TraceID)
	assert.Equal(t, tk.Plan, got.Plan)
	assert.Equal(t, 1, got.CurrentStepIndex)
}

func TestSaveTask_Overwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := task.NewTask("goal", "acme/site", "")
	require.NoError(t, s.SaveTask(ctx, tk))

	tk.RetryCount = 2
	tk.State = task.StateFixing
	require.NoError(t, s.SaveTask(ctx, tk))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, task.StateFixing, got.State)
}

func TestGetTask_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUnfinished(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	running := task.NewTask("a", "acme/site", "")
	running.Status = task.StatusRunning
	done := task.NewTask("b", "acme/site", "")
	done.Status = task.StatusDone

	require.NoError(t, s.SaveTask(ctx, running))
	require.NoError(t, s.SaveTask(ctx, done))

	tasks, err := s.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, running.ID, tasks[0].ID)
}

func TestOpen_ReopensExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	tk := task.NewTask("goal", "acme/site", "")
	require.NoError(t, s.SaveTask(ctx, tk))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
}
