package repository

import (
	"context"

	"github.com/nadmax/autopr/internal/repository/models"
)

type RunRepository interface {
	UpsertRun(ctx context.Context, run *models.TaskRun) error
	GetRun(ctx context.Context, taskID string) (*models.TaskRun, error)
	GetRecentRuns(ctx context.Context, limit int) ([]models.TaskRun, error)
	GetRunStats(ctx context.Context, hours int) ([]models.RunStats, error)
	Close() error
}
