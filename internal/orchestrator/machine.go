// Package orchestrator drives a task through planning, step execution, CI
// monitoring and bounded fix attempts to a final result record.
//
// The machine never sleeps while CI is pending: Step reports NextWait and the
// caller decides when to poll again. All state needed to resume lives in the
// task, so a checkpointed task can be handed to a fresh Machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/autopr/internal/githost"
	"github.com/nadmax/autopr/internal/logging"
	"github.com/nadmax/autopr/internal/metrics"
	"github.com/nadmax/autopr/internal/steps"
	"github.com/nadmax/autopr/internal/task"
	"go.uber.org/zap"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNoPullRequest = errors.New("no pull request to monitor")
)

type Next int

const (
	NextContinue Next = iota
	NextWait
	NextDone
)

func (n Next) String() string {
	switch n {
	case NextContinue:
		return "continue"
	case NextWait:
		return "wait"
	case NextDone:
		return "done"
	default:
		return fmt.Sprintf("Next(%d)", int(n))
	}
}

type StepRunner interface {
	Run(ctx context.Context, name string, t *task.Task) error
}

type CIChecker interface {
	GetChecks(ctx context.Context, repo string, prNumber int) (task.CIState, []string, error)
}

type Fixer interface {
	Fix(ctx context.Context, t *task.Task) error
}

type Recorder interface {
	RecordQueued(ctx context.Context, taskID, traceID, question string) bool
	RecordRunning(ctx context.Context, taskID, traceID string) bool
	RecordDone(ctx context.Context, taskID, traceID, prURL string) bool
	RecordError(ctx context.Context, taskID, traceID, message string) bool
}

type Checkpointer interface {
	SaveTask(ctx context.Context, t *task.Task) error
}

// ResultSink receives every finalized result. Delivery errors are logged only.
type ResultSink interface {
	Deliver(ctx context.Context, r *task.Result) error
}

type Request struct {
	Goal     string
	Repo     string
	Kind     task.Kind
	TraceID  string
	TaskID   string
	TenantID string
}

type Machine struct {
	runner       StepRunner
	checker      CIChecker
	fixer        Fixer
	recorder     Recorder
	checkpointer Checkpointer
	sinks        []ResultSink
	maxRetries   int
	tenantID     string
	logger       *zap.Logger
	now          func() time.Time
}

type Option func(*Machine)

func WithFixer(f Fixer) Option { return func(m *Machine) { m.fixer = f } }

func WithRecorder(r Recorder) Option {
	return func(m *Machine) {
		if r != nil {
			m.recorder = r
		}
	}
}

func WithCheckpointer(c Checkpointer) Option { return func(m *Machine) { m.checkpointer = c } }

func WithResultSinks(sinks ...ResultSink) Option {
	return func(m *Machine) { m.sinks = append(m.sinks, sinks...) }
}

func WithMaxRetries(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

func WithTenant(id string) Option { return func(m *Machine) { m.tenantID = id } }

func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func New(runner StepRunner, checker CIChecker, opts ...Option) *Machine {
	m := &Machine{
		runner:     runner,
		checker:    checker,
		recorder:   noopRecorder{},
		maxRetries: task.DefaultMaxRetries,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Plan returns the fixed step list for a goal. It does not decompose the goal.
func Plan(goal, traceID string) []string {
	plan := make([]string, len(steps.DefaultPlan))
	copy(plan, steps.DefaultPlan)

	return plan
}

// Start validates the request, creates the task and runs Planning. Malformed input
// is the only error it returns.
func (m *Machine) Start(ctx context.Context, req Request) (*task.Task, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, fmt.Errorf("%w: goal is required", ErrInvalidInput)
	}
	if _, _, err := githost.ParseRepo(req.Repo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	t := task.NewTask(goal, req.Repo, req.TraceID)
	if req.TaskID != "" {
		if req.TraceID == "" {
			t.TraceID = req.TaskID
		}
		t.ID = req.TaskID
	}
	t.Kind = req.Kind
	t.TenantID = req.TenantID
	if t.TenantID == "" {
		t.TenantID = m.tenantID
	}
	t.MaxRetries = m.maxRetries
	t.CreatedAt = m.now()
	t.UpdatedAt = t.CreatedAt

	m.plan(t)
	metrics.RecordTaskStarted()
	m.recorder.RecordQueued(ctx, t.ID, t.TraceID, t.Goal)
	m.checkpoint(ctx, t)

	logging.ForTask(m.logger, t).Info("task planned", zap.Strings("plan", t.Plan), zap.String("repo", t.Repo))

	return t, nil
}

// Step runs exactly one node of the state machine and checkpoints the task.
func (m *Machine) Step(ctx context.Context, t *task.Task) Next {
	if t.IsTerminal() {
		return NextDone
	}

	var next Next
	switch t.State {
	case task.StatePlanning:
		m.plan(t)
		next = NextContinue
	case task.StateExecuting:
		next = m.execute(ctx, t)
	case task.StateMonitoringCI:
		next = m.monitor(ctx, t)
	case task.StateFixing:
		next = m.fix(ctx, t)
	case task.StateFinalizing:
		next = m.finalize(ctx, t)
	default:
		t.Error = fmt.Sprintf("unknown state %q", t.State)
		t.State = task.StateFinalizing
		next = m.finalize(ctx, t)
	}

	t.UpdatedAt = m.now()
	m.checkpoint(ctx, t)

	return next
}

// Run steps t until it finalizes, waiting pollInterval between CI polls. It only
// returns an error when ctx ends first.
func (m *Machine) Run(ctx context.Context, t *task.Task, pollInterval time.Duration) (*task.Result, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch m.Step(ctx, t) {
		case NextDone:
			return t.Result, nil
		case NextWait:
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

func (m *Machine) plan(t *task.Task) {
	if len(t.Plan) == 0 {
		t.Plan = Plan(t.Goal, t.TraceID)
	}
	t.State = task.StateExecuting
}

func (m *Machine) execute(ctx context.Context, t *task.Task) Next {
	if t.Status == task.StatusQueued {
		t.Status = task.StatusRunning
		m.recorder.RecordRunning(ctx, t.ID, t.TraceID)
	}

	if t.PlanExhausted() {
		t.State = task.StateMonitoringCI
		return NextContinue
	}

	step := t.CurrentStep()
	started := m.now()
	err := guard(func() error { return m.runner.Run(ctx, step, t) })
	duration := m.now().Sub(started)

	if err != nil && ctx.Err() != nil {
		logging.ForTask(m.logger, t).Info("step interrupted", zap.String("step", step), zap.Error(err))
		return NextWait
	}
	if err != nil {
		metrics.RecordStepExecuted(step, "failure", duration)
		return m.fail(t, task.FailureExecution, fmt.Sprintf("step %q failed: %v", step, err))
	}

	metrics.RecordStepExecuted(step, "success", duration)
	logging.ForTask(m.logger, t).Info("step completed", zap.String("step", step), zap.Duration("duration", duration))

	t.Error = ""
	t.CurrentStepIndex++
	if t.PlanExhausted() {
		t.State = task.StateMonitoringCI
	}

	return NextContinue
}

func (m *Machine) monitor(ctx context.Context, t *task.Task) Next {
	if t.PRNumber == 0 {
		t.CIState = task.CIUnknown
		return m.fail(t, task.FailureExecution, ErrNoPullRequest.Error())
	}

	var (
		state   task.CIState
		failing []string
	)
	err := guard(func() error {
		var err error
		state, failing, err = m.checker.GetChecks(ctx, t.Repo, t.PRNumber)
		return err
	})
	if err != nil && ctx.Err() != nil {
		return NextWait
	}
	if err != nil {
		t.CIState = task.CIUnknown
		metrics.RecordCIPoll(task.CIUnknown)
		return m.fail(t, task.FailureCI, fmt.Sprintf("ci check failed: %v", err))
	}

	t.CIState = state
	t.FailingChecks = failing
	metrics.RecordCIPoll(state)

	switch state {
	case task.CISuccess:
		t.Error = ""
		t.State = task.StateFinalizing
		return NextContinue
	case task.CIFailure, task.CIError:
		return m.fail(t, task.FailureCI, fmt.Sprintf("ci %s: %s", state, strings.Join(failing, ", ")))
	default:
		return NextWait
	}
}

func (m *Machine) fix(ctx context.Context, t *task.Task) Next {
	if m.fixer != nil {
		if err := guard(func() error { return m.fixer.Fix(ctx, t) }); err != nil {
			logging.ForTask(m.logger, t).Warn("fix attempt failed", zap.Int("retry_count", t.RetryCount), zap.Error(err))
		}
	}

	t.State = task.StateExecuting
	return NextContinue
}

func (m *Machine) finalize(ctx context.Context, t *task.Task) Next {
	status := task.ResultError
	if t.Error == "" && t.CIState == task.CISuccess {
		status = task.ResultSuccess
	}
	if status == task.ResultError && t.Error == "" {
		t.Error = "retry budget exhausted"
	}

	now := m.now()
	t.Result = task.NewResult(t, status, now)

	log := logging.ForTask(m.logger, t)
	if status == task.ResultSuccess {
		t.Status = task.StatusDone
		m.recorder.RecordDone(ctx, t.ID, t.TraceID, t.PRURL)
		log.Info("task finalized", zap.String("pr_url", t.PRURL), zap.Int("retry_count", t.RetryCount))
	} else {
		t.Status = task.StatusError
		m.recorder.RecordError(ctx, t.ID, t.TraceID, t.Error)
		log.Warn("task finalized with error", zap.String("error", t.Error), zap.Int("retry_count", t.RetryCount))
	}
	metrics.RecordTaskFinalized(status, now.Sub(t.CreatedAt))

	for _, sink := range m.sinks {
		if err := sink.Deliver(ctx, t.Result); err != nil {
			log.Warn("result delivery failed", zap.Error(err))
		}
	}

	return NextDone
}

// fail charges one unit of the retry budget shared by execution and CI failures.
func (m *Machine) fail(t *task.Task, kind task.FailureKind, msg string) Next {
	t.Error = msg
	t.LastFailure = kind
	t.RetryCount++
	metrics.RecordRetry(kind)

	log := logging.ForTask(m.logger, t).With(
		zap.String("failure", string(kind)),
		zap.Int("retry_count", t.RetryCount),
		zap.Int("max_retries", t.MaxRetries),
	)

	if t.BudgetExhausted() {
		log.Warn("retry budget exhausted", zap.String("error", msg))
		t.State = task.StateFinalizing
	} else {
		log.Info("scheduling fix", zap.String("error", msg))
		t.State = task.StateFixing
	}

	return NextContinue
}

func (m *Machine) checkpoint(ctx context.Context, t *task.Task) {
	if m.checkpointer == nil {
		return
	}
	if err := m.checkpointer.SaveTask(ctx, t); err != nil {
		logging.ForTask(m.logger, t).Warn("failed to checkpoint task", zap.Error(err))
	}
}

// guard turns a panic inside a collaborator into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return fn()
}

type noopRecorder struct{}

func (noopRecorder) RecordQueued(context.Context, string, string, string) bool { return false }
func (noopRecorder) RecordRunning(context.Context, string, string) bool        { return false }
func (noopRecorder) RecordDone(context.Context, string, string, string) bool   { return false }
func (noopRecorder) RecordError(context.Context, string, string, string) bool  { return false }
