// Package repository provides PostgreSQL persistence for task lifecycle records.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/autopr/internal/repository/models"
	"go.uber.org/zap"
)

const schema = `
	CREATE TABLE IF NOT EXISTS task_runs (
		task_id       TEXT PRIMARY KEY,
		trace_id      TEXT NOT NULL,
		tenant_id     TEXT NOT NULL DEFAULT 'default',
		status        TEXT NOT NULL,
		question      TEXT,
		pr_url        TEXT,
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at  TIMESTAMPTZ
	)
`

type PostgresRunRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresRunRepository(connectionString string, logger *zap.Logger) (*PostgresRunRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if logger == nil {
		logger = zap.NewNop()
	}

	return &PostgresRunRepository{db: db, logger: logger}, nil
}

// Migrate creates the task_runs table when it does not exist.
func (r *PostgresRunRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *PostgresRunRepository) UpsertRun(ctx context.Context, run *models.TaskRun) error {
	query := `
		INSERT INTO task_runs (
			task_id, trace_id, tenant_id, status,
			question, pr_url, error_message, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			tenant_id = EXCLUDED.tenant_id,
			status = EXCLUDED.status,
			question = COALESCE(EXCLUDED.question, task_runs.question),
			pr_url = COALESCE(EXCLUDED.pr_url, task_runs.pr_url),
			error_message = EXCLUDED.error_message,
			completed_at = COALESCE(EXCLUDED.completed_at, task_runs.completed_at),
			updated_at = NOW()
	`

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		run.TaskID,
		run.TraceID,
		run.TenantID,
		run.Status,
		nullable(run.Question),
		nullable(run.PRURL),
		nullable(run.ErrorMessage),
		completedAt,
	)

	return err
}

func (r *PostgresRunRepository) GetRun(ctx context.Context, taskID string) (*models.TaskRun, error) {
	query := `
		SELECT
			task_id, trace_id, tenant_id, status,
			COALESCE(question, ''), COALESCE(pr_url, ''), COALESCE(error_message, ''),
			created_at, updated_at, completed_at
		FROM task_runs
		WHERE task_id = $1
	`

	var run models.TaskRun
	err := r.db.QueryRowContext(ctx, query, taskID).Scan(
		&run.TaskID,
		&run.TraceID,
		&run.TenantID,
		&run.Status,
		&run.Question,
		&run.PRURL,
		&run.ErrorMessage,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	return &run, nil
}

func (r *PostgresRunRepository) GetRecentRuns(ctx context.Context, limit int) ([]models.TaskRun, error) {
	query := `
		SELECT
			task_id, trace_id, tenant_id, status,
			COALESCE(question, ''), COALESCE(pr_url, ''), COALESCE(error_message, ''),
			created_at, updated_at, completed_at
		FROM task_runs
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("failed to close rows", zap.Error(err))
		}
	}()

	var runs []models.TaskRun
	for rows.Next() {
		var run models.TaskRun
		if err := rows.Scan(
			&run.TaskID,
			&run.TraceID,
			&run.TenantID,
			&run.Status,
			&run.Question,
			&run.PRURL,
			&run.ErrorMessage,
			&run.CreatedAt,
			&run.UpdatedAt,
			&run.CompletedAt,
		); err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (r *PostgresRunRepository) GetRunStats(ctx context.Context, hours int) ([]models.RunStats, error) {
	query := `
		SELECT
			status, COUNT(*) AS count,
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - created_at)) * 1000), 0) AS avg_duration_ms,
			COALESCE(MAX(EXTRACT(EPOCH FROM (completed_at - created_at)) * 1000), 0)::int AS max_duration_ms
		FROM task_runs
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY status
		ORDER BY status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("failed to close rows", zap.Error(err))
		}
	}()

	var stats []models.RunStats
	for rows.Next() {
		var s models.RunStats
		if err := rows.Scan(&s.Status, &s.Count, &s.AvgDurationMs, &s.MaxDurationMs); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresRunRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresRunRepository) Close() error {
	return r.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}
