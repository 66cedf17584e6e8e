// Package metrics provides Prometheus metrics for monitoring task orchestration.
package metrics

import (
	"time"

	"github.com/nadmax/autopr/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopr_tasks_started_total",
			Help: "Total number of orchestration tasks planned",
		},
	)
	TasksFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopr_tasks_finalized_total",
			Help: "Total number of tasks finalized by result status",
		},
		[]string{"status"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopr_task_duration_seconds",
			Help:    "Time from task creation to finalization in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopr_steps_executed_total",
			Help: "Total number of plan step executions by outcome",
		},
		[]string{"step", "outcome"},
	)
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopr_step_duration_seconds",
			Help:    "Plan step execution duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"step"},
	)
	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopr_task_retries_total",
			Help: "Total number of fix attempts by failure class",
		},
		[]string{"failure"},
	)
	CIPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopr_ci_polls_total",
			Help: "Total number of CI status polls by observed state",
		},
		[]string{"state"},
	)
	DispatchedJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopr_dispatched_jobs_total",
			Help: "Job identifiers returned by the dispatcher by origin",
		},
		[]string{"origin"},
	)
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopr_rate_limit_decisions_total",
			Help: "Pull request rate limit decisions",
		},
		[]string{"decision"},
	)
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopr_persistence_failures_total",
			Help: "Task persistence writes that failed",
		},
		[]string{"operation"},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopr_tasks",
			Help: "Current number of tracked tasks by status",
		},
		[]string{"status"},
	)
	JobWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopr_job_wait_time_seconds",
			Help:    "Time jobs spend in the queue past their schedule before a worker picks them up",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"step"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopr_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopr_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autopr_queue_depth",
			Help: "Current depth of the job queue",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autopr_workers_active",
			Help: "Number of currently active workers",
		},
	)
)

func RecordTaskStarted() {
	TasksStarted.Inc()
}

func RecordTaskFinalized(status task.ResultStatus, duration time.Duration) {
	TasksFinalized.WithLabelValues(string(status)).Inc()
	TaskDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func RecordStepExecuted(step, outcome string, duration time.Duration) {
	StepsExecuted.WithLabelValues(step, outcome).Inc()
	StepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func RecordRetry(failure task.FailureKind) {
	TaskRetries.WithLabelValues(string(failure)).Inc()
}

func RecordCIPoll(state task.CIState) {
	CIPolls.WithLabelValues(string(state)).Inc()
}

func RecordDispatch(origin string, count int) {
	DispatchedJobs.WithLabelValues(origin).Add(float64(count))
}

func RecordRateLimitDecision(decision string) {
	RateLimitDecisions.WithLabelValues(decision).Inc()
}

func RecordPersistenceFailure(operation string) {
	PersistenceFailures.WithLabelValues(operation).Inc()
}

func RecordJobWaitTime(step string, waitTime time.Duration) {
	JobWaitTime.WithLabelValues(step).Observe(waitTime.Seconds())
}

func UpdateTaskGauges(tasksByStatus map[task.TaskStatus]int) {
	TasksByStatus.Reset()
	for status, count := range tasksByStatus {
		TasksByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func WorkerStarted() {
	WorkersActive.Inc()
}

func WorkerStopped() {
	WorkersActive.Dec()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
