// Package dashboard serves the JSON monitoring views over task checkpoints and run history.
package dashboard

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nadmax/autopr/internal/httputil"
	"github.com/nadmax/autopr/internal/repository"
	"github.com/nadmax/autopr/internal/repository/models"
	"github.com/nadmax/autopr/internal/task"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	statsWindowHours    = 24
)

type TaskStore interface {
	GetAllTasks(ctx context.Context) ([]*task.Task, error)
}

type Dashboard struct {
	tasks  TaskStore
	repo   repository.RunRepository
	logger *zap.Logger
	now    func() time.Time
}

type Stats struct {
	TotalTasks     int                     `json:"total_tasks"`
	QueuedTasks    int                     `json:"queued_tasks"`
	RunningTasks   int                     `json:"running_tasks"`
	DoneTasks      int                     `json:"done_tasks"`
	ErrorTasks     int                     `json:"error_tasks"`
	TasksByState   map[task.State]int      `json:"tasks_by_state"`
	TasksByKind    map[task.Kind]int       `json:"tasks_by_kind"`
	TasksByCI      map[task.CIState]int    `json:"tasks_by_ci_state"`
	AverageRetries float64                 `json:"average_retries"`
	OpenPRs        int                     `json:"open_prs"`
	RunStats       []models.RunStats       `json:"run_stats,omitempty"`
	ByStatus       map[task.TaskStatus]int `json:"-"`
	LastUpdated    time.Time               `json:"last_updated"`
}

type TaskHistory struct {
	TaskID      string     `json:"task_id"`
	TraceID     string     `json:"trace_id"`
	Status      string     `json:"status"`
	Goal        string     `json:"goal"`
	PRURL       string     `json:"pr_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
}

// NewDashboard builds the views. repo may be nil, in which case history is read
// from the checkpoint hash instead of the durable store.
func NewDashboard(tasks TaskStore, repo repository.RunRepository, logger *zap.Logger) *Dashboard {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dashboard{tasks: tasks, repo: repo, logger: logger, now: time.Now}
}

// Collect computes the checkpoint statistics. The server's metrics collector
// shares it with the stats endpoint.
func (d *Dashboard) Collect(ctx context.Context) (*Stats, error) {
	tasks, err := d.tasks.GetAllTasks(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalTasks:   len(tasks),
		TasksByState: make(map[task.State]int),
		TasksByKind:  make(map[task.Kind]int),
		TasksByCI:    make(map[task.CIState]int),
		ByStatus:     make(map[task.TaskStatus]int),
		LastUpdated:  d.now(),
	}

	retries := 0
	for _, t := range tasks {
		stats.ByStatus[t.Status]++
		switch t.Status {
		case task.StatusQueued:
			stats.QueuedTasks++
		case task.StatusRunning:
			stats.RunningTasks++
		case task.StatusDone:
			stats.DoneTasks++
		case task.StatusError:
			stats.ErrorTasks++
		}

		stats.TasksByState[t.State]++
		if t.Kind != "" {
			stats.TasksByKind[t.Kind]++
		}
		stats.TasksByCI[t.CIState]++
		if t.PRNumber != 0 && !t.IsTerminal() {
			stats.OpenPRs++
		}
		retries += t.RetryCount
	}

	if len(tasks) > 0 {
		stats.AverageRetries = float64(retries) / float64(len(tasks))
	}

	return stats, nil
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := d.Collect(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if d.repo != nil {
		runStats, err := d.repo.GetRunStats(r.Context(), statsWindowHours)
		if err != nil {
			d.logger.Warn("failed to load run stats", zap.Error(err))
		} else {
			stats.RunStats = runStats
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		httputil.WriteJSONError(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// GetHistory lists recent task runs, newest first. ?limit=N bounds the list and
// ?format=csv switches the body to CSV.
func (d *Dashboard) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history, err := d.history(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		d.writeCSV(w, history)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(history); err != nil {
		httputil.WriteJSONError(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

func (d *Dashboard) history(ctx context.Context, limit int) ([]TaskHistory, error) {
	if d.repo != nil {
		runs, err := d.repo.GetRecentRuns(ctx, limit)
		if err != nil {
			return nil, err
		}

		history := make([]TaskHistory, 0, len(runs))
		for _, run := range runs {
			history = append(history, fromRun(run))
		}
		return history, nil
	}

	tasks, err := d.tasks.GetAllTasks(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}

	history := make([]TaskHistory, 0, len(tasks))
	for _, t := range tasks {
		history = append(history, fromTask(t))
	}

	return history, nil
}

func fromRun(run models.TaskRun) TaskHistory {
	h := TaskHistory{
		TaskID:      run.TaskID,
		TraceID:     run.TraceID,
		Status:      run.Status,
		Goal:        run.Question,
		PRURL:       run.PRURL,
		Error:       run.ErrorMessage,
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
	}
	if run.CompletedAt != nil {
		h.Duration = run.CompletedAt.Sub(run.CreatedAt).Round(time.Millisecond).String()
	}

	return h
}

func fromTask(t *task.Task) TaskHistory {
	h := TaskHistory{
		TaskID:    t.ID,
		TraceID:   t.TraceID,
		Status:    string(t.Status),
		Goal:      t.Goal,
		PRURL:     t.PRURL,
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
	}
	if t.Result != nil {
		completed := t.Result.Timestamp
		h.CompletedAt = &completed
		h.Duration = completed.Sub(t.CreatedAt).Round(time.Millisecond).String()
	}

	return h
}

func (d *Dashboard) writeCSV(w http.ResponseWriter, history []TaskHistory) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="autopr-history.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"task_id", "trace_id", "status", "goal", "pr_url", "error", "created_at", "completed_at", "duration"})
	for _, h := range history {
		completed := ""
		if h.CompletedAt != nil {
			completed = h.CompletedAt.UTC().Format(time.RFC3339)
		}
		_ = cw.Write([]string{
			h.TaskID,
			h.TraceID,
			h.Status,
			h.Goal,
			h.PRURL,
			h.Error,
			h.CreatedAt.UTC().Format(time.RFC3339),
			completed,
			h.Duration,
		})
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		d.logger.Error("failed to write history csv", zap.Error(err))
	}
}
