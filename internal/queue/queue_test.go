package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/autopr/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	q, err := NewQueue(mr.Addr())
	require.NoError(t, err)

	return q, mr
}

func TestNewQueue(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	assert.NotNil(t, q)
	assert.NotNil(t, q.Client())
}

func TestNewQueue_InvalidAddress(t *testing.T) {
	_, err := NewQueue("invalid:99999")
	assert.Error(t, err)
}

func TestEnqueueAndDequeue(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	original := NewJob("analyze goal", "task-1", 0)
	require.NoError(t, q.Enqueue(ctx, original))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	dequeued, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, dequeued)

	assert.Equal(t, original.ID, dequeued.ID)
	assert.Equal(t, "analyze goal", dequeued.Step)
	assert.Equal(t, "task-1", dequeued.TaskID)
	assert.Equal(t, 0, dequeued.StepIndex)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestDequeue_EmptyQueue(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	job, err := q.Dequeue(context.Background())

	assert.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeue_ScheduleOrder(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	base := time.Now().Add(-time.Second)

	second := NewJob("generate content", "task-1", 1)
	second.ScheduledAt = base.Add(time.Millisecond)
	first := NewJob("analyze goal", "task-1", 0)
	first.ScheduledAt = base

	require.NoError(t, q.Enqueue(ctx, second))
	require.NoError(t, q.Enqueue(ctx, first))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestDequeue_FutureJobNotDue(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	future := NewJob("monitor CI", "task-1", 3)
	future.ScheduledAt = time.Now().Add(10 * time.Second)
	require.NoError(t, q.Enqueue(ctx, future))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestUpdateAndGetJob(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	job := NewJob("analyze goal", "task-1", 0)
	require.NoError(t, q.Enqueue(ctx, job))

	job.Status = JobCompleted
	require.NoError(t, q.UpdateJob(ctx, job))

	retrieved, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, retrieved.Status)
}

func TestGetJob_NotFound(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	_, err := q.GetJob(context.Background(), "non-existent-id")
	assert.Error(t, err)
}

func TestSaveAndGetTask(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	tsk := task.NewTask("create FAQ doc", "acme/site", "")
	tsk.Plan = []string{"analyze goal"}
	require.NoError(t, q.SaveTask(ctx, tsk))

	tsk.CurrentStepIndex = 1
	require.NoError(t, q.SaveTask(ctx, tsk))

	retrieved, err := q.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, tsk.ID, retrieved.ID)
	assert.Equal(t, 1, retrieved.CurrentStepIndex)
}

func TestGetTask_NotFound(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	_, err := q.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestGetAllTasks(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	for range 3 {
		require.NoError(t, q.SaveTask(ctx, task.NewTask("goal", "acme/site", "")))
	}

	tasks, err := q.GetAllTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestGetAllTasks_Empty(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	tasks, err := q.GetAllTasks(context.Background())
	require.NoError(t, err)
	assert.Len(t, tasks, 0)
}

func TestJobFromJSON_InvalidJSON(t *testing.T) {
	_, err := JobFromJSON("invalid json")
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	assert.NoError(t, q.Close())
}

func TestSetAndGetTaskJobs(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	require.NoError(t, q.SetTaskJobs(ctx, "task-1", []string{"job-a", "job-b"}))

	ids, err := q.GetTaskJobs(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-b"}, ids)

	ids, err = q.GetTaskJobs(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestRemove(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	kept := NewJob("analyze goal", "task-1", 0)
	dropped := NewJob("generate content", "task-1", 1)
	require.NoError(t, q.Enqueue(ctx, kept))
	require.NoError(t, q.Enqueue(ctx, dropped))

	require.NoError(t, q.Remove(ctx, dropped.ID))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	_, err = q.GetJob(ctx, dropped.ID)
	assert.Error(t, err)

	_, err = q.GetJob(ctx, kept.ID)
	assert.NoError(t, err)

	assert.NoError(t, q.Remove(ctx, "unknown"))
}

func TestRemove_RedisDown(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer func() { _ = q.Close() }()
	mr.Close()

	assert.Error(t, q.Remove(context.Background(), "job-1"))
}
