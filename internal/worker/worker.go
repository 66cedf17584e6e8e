// Package worker provides the background job processor that advances tasks from the queue.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/nadmax/autopr/internal/kvstore"
	"github.com/nadmax/autopr/internal/logging"
	"github.com/nadmax/autopr/internal/metrics"
	"github.com/nadmax/autopr/internal/orchestrator"
	"github.com/nadmax/autopr/internal/queue"
	"github.com/nadmax/autopr/internal/task"
	"go.uber.org/zap"
)

// MonitorStep names the follow-up job that polls CI once the plan is exhausted.
const MonitorStep = "monitor ci"

const (
	defaultPollInterval      = time.Second
	defaultCIPollInterval    = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultRetryBackoff      = 10 * time.Second
	rescheduleDelay          = time.Second
)

// JobQueue is the slice of the Redis queue the worker consumes and checkpoints through.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	Dequeue(ctx context.Context) (*queue.Job, error)
	UpdateJob(ctx context.Context, job *queue.Job) error
	Depth(ctx context.Context) (int, error)
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
}

type Stepper interface {
	Step(ctx context.Context, t *task.Task) orchestrator.Next
}

type Worker struct {
	id                string
	queue             JobQueue
	machine           Stepper
	heartbeat         kvstore.Store
	pollInterval      time.Duration
	ciPollInterval    time.Duration
	heartbeatInterval time.Duration
	retryBackoff      time.Duration
	logger            *zap.Logger
	now               func() time.Time
}

func NewWorker(id string, q JobQueue, machine Stepper, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		id:                id,
		queue:             q,
		machine:           machine,
		pollInterval:      defaultPollInterval,
		ciPollInterval:    defaultCIPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		retryBackoff:      defaultRetryBackoff,
		logger:            logger.With(zap.String("worker_id", id)),
		now:               time.Now,
	}
}

func (w *Worker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

func (w *Worker) SetCIPollInterval(d time.Duration) {
	if d > 0 {
		w.ciPollInterval = d
	}
}

// SetHeartbeat makes Start publish a liveness key to store every interval.
func (w *Worker) SetHeartbeat(store kvstore.Store, interval time.Duration) {
	w.heartbeat = store
	if interval > 0 {
		w.heartbeatInterval = interval
	}
}

func HeartbeatKey(workerID string) string {
	return fmt.Sprintf("worker:%s:heartbeat", workerID)
}

// Start consumes jobs until ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started")
	metrics.WorkerStarted()
	defer metrics.WorkerStopped()

	if w.heartbeat != nil {
		go w.runHeartbeat(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil || job == nil {
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("dequeue failed", zap.Error(err))
			}
			select {
			case <-time.After(w.pollInterval):
			case <-ctx.Done():
			}
			continue
		}

		w.processJob(ctx, job)

		if depth, err := w.queue.Depth(ctx); err == nil {
			metrics.UpdateQueueDepth(depth)
		}
	}
}

func (w *Worker) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	ttl := 3 * w.heartbeatInterval
	if err := w.heartbeat.Set(ctx, HeartbeatKey(w.id), w.now().UTC().Format(time.RFC3339), ttl); err != nil && ctx.Err() == nil {
		w.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

// processJob applies the cursor guard, then steps the task until it moves past
// the job's plan position, waits on CI, comes back from a fix or finalizes.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	started := w.now()
	job.Status = queue.JobRunning
	job.StartedAt = &started
	metrics.RecordJobWaitTime(job.Step, started.Sub(job.ScheduledAt))
	w.updateJob(ctx, job)

	log := w.logger.With(zap.String("job_id", job.ID), zap.String("step", job.Step), zap.Int("step_index", job.StepIndex))

	if job.TaskID == "" {
		w.finishJob(ctx, job, queue.JobFailed, "job is not bound to a task")
		return
	}

	t, err := w.queue.GetTask(ctx, job.TaskID)
	if err != nil {
		log.Warn("failed to load task", zap.String("task_id", job.TaskID), zap.Error(err))
		w.finishJob(ctx, job, queue.JobFailed, err.Error())
		return
	}
	log = logging.ForTask(log, t)

	switch {
	case t.IsTerminal():
		w.finishJob(ctx, job, queue.JobSkipped, "task already finalized")
		return
	case job.StepIndex < t.CurrentStepIndex:
		log.Debug("stale job skipped", zap.Int("cursor", t.CurrentStepIndex))
		w.finishJob(ctx, job, queue.JobSkipped, "stale")
		return
	case job.StepIndex > t.CurrentStepIndex:
		job.Status = queue.JobPending
		job.StartedAt = nil
		job.ScheduledAt = w.now().Add(rescheduleDelay)
		if err := w.queue.Enqueue(ctx, job); err != nil {
			log.Warn("failed to reschedule early job", zap.Error(err))
		}
		return
	}

	startIndex := t.CurrentStepIndex
	for {
		if ctx.Err() != nil {
			w.requeue(job, t, log)
			return
		}

		fixing := t.State == task.StateFixing
		next := w.machine.Step(ctx, t)
		w.save(ctx, t, log)

		switch next {
		case orchestrator.NextDone:
			w.finishJob(ctx, job, queue.JobCompleted, "")
			return
		case orchestrator.NextWait:
			w.handOff(ctx, job, t, MonitorStep, w.ciPollInterval, log)
			return
		}

		if fixing {
			backoff := time.Duration(t.RetryCount) * w.retryBackoff
			log.Info("task will retry", zap.Int("retry_count", t.RetryCount), zap.Duration("backoff", backoff))
			w.handOff(ctx, job, t, followUpStep(t), backoff, log)
			return
		}

		if t.CurrentStepIndex > startIndex && t.State == task.StateExecuting && !t.PlanExhausted() {
			w.finishJob(ctx, job, queue.JobCompleted, "")
			return
		}
	}
}

func followUpStep(t *task.Task) string {
	if t.PlanExhausted() {
		return MonitorStep
	}
	return t.CurrentStep()
}

// handOff schedules the follow-up job and completes the current one. If the
// follow-up cannot be enqueued, the current job is retargeted at the follow-up
// step and put back on the queue, so the task keeps a live job.
func (w *Worker) handOff(ctx context.Context, job *queue.Job, t *task.Task, step string, delay time.Duration, log *zap.Logger) {
	err := w.schedule(ctx, t, step, delay)
	if err == nil {
		w.finishJob(ctx, job, queue.JobCompleted, "")
		return
	}
	log.Warn("failed to schedule follow-up job, retaining current job", zap.String("next_step", step), zap.Error(err))

	job.Step = step
	job.StepIndex = t.CurrentStepIndex
	job.Status = queue.JobPending
	job.StartedAt = nil
	job.ScheduledAt = w.now().Add(delay)
	if err := w.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		log.Error("task has no live job", zap.String("next_step", step), zap.Error(err))
		w.finishJob(ctx, job, queue.JobFailed, fmt.Sprintf("failed to schedule %q: %v", step, err))
	}
}

func (w *Worker) schedule(ctx context.Context, t *task.Task, step string, delay time.Duration) error {
	job := queue.NewJob(step, t.ID, t.CurrentStepIndex)
	job.ScheduledAt = w.now().Add(delay)
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	metrics.RecordDispatch("follow_up", 1)

	return nil
}

// requeue puts a job interrupted by shutdown back on the queue at the task's
// current cursor.
func (w *Worker) requeue(job *queue.Job, t *task.Task, log *zap.Logger) {
	job.StepIndex = t.CurrentStepIndex
	job.Status = queue.JobPending
	job.StartedAt = nil
	job.ScheduledAt = w.now()
	if err := w.queue.Enqueue(context.Background(), job); err != nil {
		log.Warn("failed to requeue interrupted job", zap.Error(err))
	}
}

func (w *Worker) save(ctx context.Context, t *task.Task, log *zap.Logger) {
	if err := w.queue.SaveTask(ctx, t); err != nil {
		log.Warn("failed to save task", zap.Error(err))
	}
}

func (w *Worker) finishJob(ctx context.Context, job *queue.Job, status queue.JobStatus, reason string) {
	completed := w.now()
	job.Status = status
	job.CompletedAt = &completed
	job.Error = reason
	w.updateJob(ctx, job)
}

func (w *Worker) updateJob(ctx context.Context, job *queue.Job) {
	if err := w.queue.UpdateJob(ctx, job); err != nil {
		w.logger.Warn("failed to update job", zap.String("job_id", job.ID), zap.Error(err))
	}
}
