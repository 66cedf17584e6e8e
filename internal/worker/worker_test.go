package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/autopr/internal/dispatch"
	"github.com/nadmax/autopr/internal/kvstore"
	"github.com/nadmax/autopr/internal/orchestrator"
	"github.com/nadmax/autopr/internal/queue"
	"github.com/nadmax/autopr/internal/steps"
	"github.com/nadmax/autopr/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	mu       sync.Mutex
	failures map[string]int
	calls    []string
}

func (r *scriptedRunner) Run(ctx context.Context, name string, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, name)
	if r.failures[name] > 0 {
		r.failures[name]--
		return errors.New("boom")
	}
	if name == steps.StepOpenPR {
		t.PRNumber = 7
		t.PRURL = "https://github.com/acme/site/pull/7"
	}
	return nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type scriptedChecker struct {
	mu     sync.Mutex
	states []task.CIState
	polls  int
}

func (c *scriptedChecker) GetChecks(ctx context.Context, repo string, prNumber int) (task.CIState, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.polls
	if i >= len(c.states) {
		i = len(c.states) - 1
	}
	c.polls++
	return c.states[i], nil, nil
}

type testEnv struct {
	mr      *miniredis.Miniredis
	queue   *queue.Queue
	machine *orchestrator.Machine
	runner  *scriptedRunner
	checker *scriptedChecker
	worker  *Worker
}

func setupTestWorker(t *testing.T, ci ...task.CIState) *testEnv {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := queue.NewQueue(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	if len(ci) == 0 {
		ci = []task.CIState{task.CISuccess}
	}
	runner := &scriptedRunner{failures: map[string]int{}}
	checker := &scriptedChecker{states: ci}
	machine := orchestrator.New(runner, checker, orchestrator.WithCheckpointer(q))

	w := NewWorker("test-worker", q, machine, nil)
	w.SetPollInterval(time.Millisecond)
	w.SetCIPollInterval(time.Millisecond)
	w.retryBackoff = time.Millisecond

	return &testEnv{mr: mr, queue: q, machine: machine, runner: runner, checker: checker, worker: w}
}

func (e *testEnv) startTask(t *testing.T) *task.Task {
	tk, err := e.machine.Start(context.Background(), orchestrator.Request{Goal: "create FAQ doc", Repo: "acme/site"})
	require.NoError(t, err)
	return tk
}

func (e *testEnv) dispatch(t *testing.T, tk *task.Task) []string {
	d := dispatch.NewDispatcher(e.queue, nil, 0, nil)
	ids := d.EnqueueFor(context.Background(), tk.ID, tk.Plan, "")
	require.Len(t, ids, len(tk.Plan))
	return ids
}

// drain processes due jobs until the task finalizes.
func (e *testEnv) drain(t *testing.T, taskID string) *task.Task {
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		tk, err := e.queue.GetTask(ctx, taskID)
		require.NoError(t, err)
		if tk.IsTerminal() {
			return tk
		}

		job, err := e.queue.Dequeue(ctx)
		require.NoError(t, err)
		if job == nil {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		e.worker.processJob(ctx, job)
	}

	t.Fatal("task did not finalize")
	return nil
}

func TestNewWorker(t *testing.T) {
	env := setupTestWorker(t)

	assert.Equal(t, "test-worker", env.worker.id)
	assert.Equal(t, time.Millisecond, env.worker.pollInterval)
	assert.Nil(t, env.worker.heartbeat)
}

func TestProcessJob_RunsOneStep(t *testing.T) {
	env := setupTestWorker(t)
	ctx := context.Background()
	tk := env.startTask(t)

	job := queue.NewJob(steps.StepAnalyze, tk.ID, 0)
	require.NoError(t, env.queue.Enqueue(ctx, job))
	claimed, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)

	env.worker.processJob(ctx, claimed)

	updated, err := env.queue.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentStepIndex)
	assert.Equal(t, task.StatusRunning, updated.Status)
	assert.Equal(t, []string{steps.StepAnalyze}, env.runner.calls)

	stored, err := env.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestProcessJob_StaleJobSkipped(t *testing.T) {
	env := setupTestWorker(t)
	ctx := context.Background()
	tk := env.startTask(t)
	tk.CurrentStepIndex = 2
	require.NoError(t, env.queue.SaveTask(ctx, tk))

	job := queue.NewJob(steps.StepAnalyze, tk.ID, 0)
	env.worker.processJob(ctx, job)

	stored, err := env.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobSkipped, stored.Status)
	assert.Empty(t, env.runner.calls)
}

func TestProcessJob_EarlyJobRescheduled(t *testing.T) {
	env := setupTestWorker(t)
	ctx := context.Background()
	tk := env.startTask(t)

	job := queue.NewJob(steps.StepOpenPR, tk.ID, 2)
	before := time.Now()
	env.worker.processJob(ctx, job)

	assert.Empty(t, env.runner.calls)
	depth, err := env.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	stored, err := env.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobPending, stored.Status)
	assert.True(t, stored.ScheduledAt.After(before.Add(500*time.Millisecond)))
}

func TestProcessJob_UnboundJobFails(t *testing.T) {
	env := setupTestWorker(t)
	ctx := context.Background()

	job := queue.NewJob(steps.StepAnalyze, "", 0)
	env.worker.processJob(ctx, job)

	stored, err := env.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobFailed, stored.Status)
}

func TestProcessJob_MissingTask(t *testing.T) {
	env := setupTestWorker(t)
	ctx := context.Background()

	job := queue.NewJob(steps.StepAnalyze, "nope", 0)
	env.worker.processJob(ctx, job)

	stored, err := env.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobFailed, stored.Status)
	assert.Contains(t, stored.Error, "task not found")
}

func TestProcessJob_FailureSchedulesRetry(t *testing.T) {
	env := setupTestWorker(t)
	env.worker.retryBackoff = time.Hour
	ctx := context.Background()
	tk := env.startTask(t)
	env.runner.failures[steps.StepAnalyze] = 1

	job := queue.NewJob(steps.StepAnalyze, tk.ID, 0)
	env.worker.processJob(ctx, job)

	updated, err := env.queue.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Equal(t, task.StateExecuting, updated.State)
	assert.Equal(t, 0, updated.CurrentStepIndex)

	depth, err := env.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	due, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, due, "retry must wait for its backoff")
}

// flakyQueue fails the next failures Enqueue calls.
type flakyQueue struct {
	*queue.Queue
	failures int
}

func (f *flakyQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.Queue.Enqueue(ctx, job)
}

func TestProcessJob_FollowUpFailureRetainsJob(t *testing.T) {
	env := setupTestWorker(t)
	env.worker.queue = &flakyQueue{Queue: env.queue, failures: 1}
	env.worker.retryBackoff = time.Hour
	ctx := context.Background()
	tk := env.startTask(t)
	env.runner.failures[steps.StepAnalyze] = 1

	job := queue.NewJob(steps.StepAnalyze, tk.ID, 0)
	env.worker.processJob(ctx, job)

	depth, err := env.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "the task must keep exactly one live job")

	stored, err := env.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobPending, stored.Status)
	assert.Equal(t, steps.StepAnalyze, stored.Step)
	assert.Equal(t, 0, stored.StepIndex)
	assert.Nil(t, stored.StartedAt)
	assert.True(t, stored.ScheduledAt.After(time.Now()), "retained job keeps the retry backoff")
}

func TestProcessJob_FollowUpFailureOnWaitRetainsJob(t *testing.T) {
	env := setupTestWorker(t, task.CIPending)
	ctx := context.Background()
	tk := env.startTask(t)

	lastIndex := len(tk.Plan) - 1
	for i := 0; i < lastIndex; i++ {
		env.worker.processJob(ctx, queue.NewJob(tk.Plan[i], tk.ID, i))
	}

	env.worker.queue = &flakyQueue{Queue: env.queue, failures: 1}
	last := queue.NewJob(tk.Plan[lastIndex], tk.ID, lastIndex)
	env.worker.processJob(ctx, last)

	updated, err := env.queue.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateMonitoringCI, updated.State)

	stored, err := env.queue.GetJob(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobPending, stored.Status)
	assert.Equal(t, MonitorStep, stored.Step)
	assert.Equal(t, updated.CurrentStepIndex, stored.StepIndex)

	depth, err := env.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestProcessJob_FollowUpUnschedulableFailsJob(t *testing.T) {
	env := setupTestWorker(t)
	env.worker.queue = &flakyQueue{Queue: env.queue, failures: 2}
	ctx := context.Background()
	tk := env.startTask(t)
	env.runner.failures[steps.StepAnalyze] = 1

	job := queue.NewJob(steps.StepAnalyze, tk.ID, 0)
	env.worker.processJob(ctx, job)

	stored, err := env.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobFailed, stored.Status)
	assert.Contains(t, stored.Error, "failed to schedule")
}

func TestWorker_EndToEnd(t *testing.T) {
	env := setupTestWorker(t, task.CIPending, task.CISuccess)
	tk := env.startTask(t)
	env.dispatch(t, tk)

	final := env.drain(t, tk.ID)

	assert.Equal(t, task.StatusDone, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, task.ResultSuccess, final.Result.Status)
	assert.Equal(t, "https://github.com/acme/site/pull/7", final.PRURL)
	assert.Equal(t, 0, final.RetryCount)
	assert.Equal(t, 3, env.runner.callCount())
	assert.Equal(t, 2, env.checker.polls)
}

func TestWorker_EndToEndWithCIFix(t *testing.T) {
	env := setupTestWorker(t, task.CIFailure, task.CISuccess)
	tk := env.startTask(t)
	env.dispatch(t, tk)

	final := env.drain(t, tk.ID)

	assert.Equal(t, task.StatusDone, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	assert.Equal(t, 3, env.runner.callCount())
}

func TestWorker_EndToEndBudgetExhausted(t *testing.T) {
	env := setupTestWorker(t)
	env.runner.failures[steps.StepGenerate] = 100
	tk := env.startTask(t)
	env.dispatch(t, tk)

	final := env.drain(t, tk.ID)

	assert.Equal(t, task.StatusError, final.Status)
	assert.Equal(t, 3, final.RetryCount)
	assert.Contains(t, final.Result.Error, "boom")
}

func TestWorker_StartProcessesAndStops(t *testing.T) {
	env := setupTestWorker(t)
	tk := env.startTask(t)
	env.dispatch(t, tk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.worker.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := env.queue.GetTask(context.Background(), tk.ID)
		return err == nil && got.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_Heartbeat(t *testing.T) {
	env := setupTestWorker(t)
	store := kvstore.NewRedisStoreFromClient(env.queue.Client())
	env.worker.SetHeartbeat(store, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.worker.runHeartbeat(ctx)
		close(done)
	}()

	key := HeartbeatKey("test-worker")
	require.Eventually(t, func() bool { return env.mr.Exists(key) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 60*time.Millisecond, env.mr.TTL(key))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop on cancellation")
	}

	env.mr.FastForward(time.Second)
	assert.False(t, env.mr.Exists(key))
}

func TestHeartbeatKey(t *testing.T) {
	assert.Equal(t, "worker:w-1:heartbeat", HeartbeatKey("w-1"))
}
