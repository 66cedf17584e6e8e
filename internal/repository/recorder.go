package repository

import (
	"context"
	"time"

	"github.com/nadmax/autopr/internal/metrics"
	"github.com/nadmax/autopr/internal/repository/models"
	"github.com/nadmax/autopr/internal/task"
	"go.uber.org/zap"
)

const (
	DefaultTenantID = "default"
	MaxErrorLength  = 500
)

// Recorder writes each task lifecycle transition through to the run repository.
// Writes are best effort: a failure is logged and reported as false, never returned.
type Recorder struct {
	repo     RunRepository
	tenantID string
	logger   *zap.Logger
	now      func() time.Time
}

// NewRecorder returns a recorder stamping tenantID on every record. A nil repo
// yields a recorder whose writes all report false.
func NewRecorder(repo RunRepository, tenantID string, logger *zap.Logger) *Recorder {
	if tenantID == "" {
		tenantID = DefaultTenantID
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Recorder{
		repo:     repo,
		tenantID: tenantID,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Recorder) RecordQueued(ctx context.Context, taskID, traceID, question string) bool {
	return r.write(ctx, "queued", &models.TaskRun{
		TaskID:   taskID,
		TraceID:  traceID,
		Status:   string(task.StatusQueued),
		Question: question,
	})
}

func (r *Recorder) RecordRunning(ctx context.Context, taskID, traceID string) bool {
	return r.write(ctx, "running", &models.TaskRun{
		TaskID:  taskID,
		TraceID: traceID,
		Status:  string(task.StatusRunning),
	})
}

func (r *Recorder) RecordDone(ctx context.Context, taskID, traceID, prURL string) bool {
	completedAt := r.now()
	return r.write(ctx, "done", &models.TaskRun{
		TaskID:      taskID,
		TraceID:     traceID,
		Status:      string(task.StatusDone),
		PRURL:       prURL,
		CompletedAt: &completedAt,
	})
}

func (r *Recorder) RecordError(ctx context.Context, taskID, traceID, message string) bool {
	completedAt := r.now()
	return r.write(ctx, "error", &models.TaskRun{
		TaskID:       taskID,
		TraceID:      traceID,
		Status:       string(task.StatusError),
		ErrorMessage: Truncate(message, MaxErrorLength),
		CompletedAt:  &completedAt,
	})
}

func (r *Recorder) write(ctx context.Context, operation string, run *models.TaskRun) bool {
	if r.repo == nil {
		return false
	}

	run.TenantID = r.tenantID
	if err := r.repo.UpsertRun(ctx, run); err != nil {
		r.logger.Warn("failed to persist task transition",
			zap.String("operation", operation),
			zap.String("task_id", run.TaskID),
			zap.String("trace_id", run.TraceID),
			zap.Error(err),
		)
		metrics.RecordPersistenceFailure(operation)
		return false
	}

	return true
}

// Truncate shortens s to at most limit runes.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}

	return string(runes[:limit])
}
