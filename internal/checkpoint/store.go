// Package checkpoint keeps task checkpoints in a local SQLite database so the CLI
// can resume a task after the process exits.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nadmax/autopr/internal/task"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("checkpoint not found")

type Store struct {
	db *sql.DB
}

// Open creates or opens dir/checkpoints.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := filepath.Join(dir, "checkpoints.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			task_id    TEXT PRIMARY KEY,
			trace_id   TEXT NOT NULL,
			status     TEXT NOT NULL,
			state      TEXT NOT NULL,
			payload    TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}

	return nil
}

// SaveTask replaces the stored checkpoint for t.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	payload, err := t.ToJSON()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, trace_id, status, state, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			trace_id = excluded.trace_id,
			status = excluded.status,
			state = excluded.state,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		t.ID, t.TraceID, string(t.Status), string(t.State), payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", t.ID, err)
	}

	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE task_id = ?`, taskID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	return task.TaskFromJSON(payload)
}

// ListUnfinished returns checkpoints that have not reached a terminal status,
// most recently updated first.
func (s *Store) ListUnfinished(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE status NOT IN (?, ?)
		ORDER BY updated_at DESC`,
		string(task.StatusDone), string(task.StatusError),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}

		t, err := task.TaskFromJSON(payload)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
