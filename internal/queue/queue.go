// Package queue implements the Redis-backed job queue and the task checkpoint hash
// shared by the API server and the workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/autopr/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	jobsKey     = "autopr:jobs"
	jobQueueKey = "autopr:job_queue"
	tasksKey    = "autopr:tasks"
	taskJobsKey = "autopr:task_jobs"
)

var ErrTaskNotFound = errors.New("task not found")

type Queue struct {
	client *redis.Client
}

func NewQueue(redisAddr string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// Client exposes the underlying connection so other Redis consumers share one pool.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	jobJSON, err := job.ToJSON()
	if err != nil {
		return err
	}

	if err := q.client.HSet(ctx, jobsKey, job.ID, jobJSON).Err(); err != nil {
		return err
	}

	return q.client.ZAdd(ctx, jobQueueKey, redis.Z{
		Score:  float64(job.ScheduledAt.UnixMilli()),
		Member: job.ID,
	}).Err()
}

// Remove withdraws a job from the schedule and drops its record. Removing an
// unknown id is not an error.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	if err := q.client.ZRem(ctx, jobQueueKey, jobID).Err(); err != nil {
		return err
	}

	return q.client.HDel(ctx, jobsKey, jobID).Err()
}

// Dequeue claims the earliest job whose schedule has passed. It returns nil, nil
// when nothing is due. Only the worker whose ZREM succeeds owns the job.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	maxScore := strconv.FormatInt(time.Now().UnixMilli(), 10)

	for {
		results, err := q.client.ZRangeByScore(ctx, jobQueueKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: 1,
		}).Result()
		if err != nil || len(results) == 0 {
			return nil, err
		}

		jobID := results[0]
		removed, err := q.client.ZRem(ctx, jobQueueKey, jobID).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			continue
		}

		jobJSON, err := q.client.HGet(ctx, jobsKey, jobID).Result()
		if err != nil {
			return nil, err
		}

		return JobFromJSON(jobJSON)
	}
}

func (q *Queue) UpdateJob(ctx context.Context, job *Job) error {
	jobJSON, err := job.ToJSON()
	if err != nil {
		return err
	}

	return q.client.HSet(ctx, jobsKey, job.ID, jobJSON).Err()
}

func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobJSON, err := q.client.HGet(ctx, jobsKey, jobID).Result()
	if err != nil {
		return nil, err
	}

	return JobFromJSON(jobJSON)
}

// Depth returns the number of jobs waiting in the queue, due or not.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, jobQueueKey).Result()
	return int(n), err
}

// SaveTask stores the task checkpoint, overwriting any previous one.
func (q *Queue) SaveTask(ctx context.Context, t *task.Task) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return err
	}

	return q.client.HSet(ctx, tasksKey, t.ID, taskJSON).Err()
}

func (q *Queue) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	taskJSON, err := q.client.HGet(ctx, tasksKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	return task.TaskFromJSON(taskJSON)
}

func (q *Queue) GetAllTasks(ctx context.Context) ([]*task.Task, error) {
	taskMap, err := q.client.HGetAll(ctx, tasksKey).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(taskMap))
	for _, taskJSON := range taskMap {
		t, err := task.TaskFromJSON(taskJSON)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// SetTaskJobs records the job ids dispatched for a task. They live outside the
// checkpoint so writing them never races a worker saving the task.
func (q *Queue) SetTaskJobs(ctx context.Context, taskID string, jobIDs []string) error {
	return q.client.HSet(ctx, taskJobsKey, taskID, strings.Join(jobIDs, ",")).Err()
}

func (q *Queue) GetTaskJobs(ctx context.Context, taskID string) ([]string, error) {
	joined, err := q.client.HGet(ctx, taskJobsKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if joined == "" {
		return []string{}, nil
	}

	return strings.Split(joined, ","), nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
