package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/nadmax/autopr/internal/dashboard"
	"github.com/nadmax/autopr/internal/httputil"
	"github.com/nadmax/autopr/internal/orchestrator"
	"github.com/nadmax/autopr/internal/queue"
	"github.com/nadmax/autopr/internal/steps"
	"github.com/nadmax/autopr/internal/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	maxBodyBytes         = 64 * 1024
	idempotencyKeyHeader = "Idempotency-Key"
)

type Starter interface {
	Start(ctx context.Context, req orchestrator.Request) (*task.Task, error)
}

type Dispatcher interface {
	EnqueueFor(ctx context.Context, taskID string, steps []string, key string) []string
}

type TaskQueue interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	GetAllTasks(ctx context.Context) ([]*task.Task, error)
	GetJob(ctx context.Context, jobID string) (*queue.Job, error)
	SetTaskJobs(ctx context.Context, taskID string, jobIDs []string) error
	GetTaskJobs(ctx context.Context, taskID string) ([]string, error)
}

type API struct {
	machine    Starter
	queue      TaskQueue
	dispatcher Dispatcher
	dashboard  *dashboard.Dashboard
	logger     *zap.Logger
	mux        *http.ServeMux
}

type CreateTaskRequest struct {
	Goal           string    `json:"goal"`
	Repo           string    `json:"repo"`
	Kind           task.Kind `json:"kind,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

type CreateTaskResponse struct {
	TaskID   string          `json:"task_id"`
	TraceID  string          `json:"trace_id"`
	JobIDs   []string        `json:"job_ids"`
	Status   task.TaskStatus `json:"status"`
	Replayed bool            `json:"replayed,omitempty"`
}

func NewAPI(machine Starter, q TaskQueue, d Dispatcher, dash *dashboard.Dashboard, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}

	api := &API{
		machine:    machine,
		queue:      q,
		dispatcher: d,
		dashboard:  dash,
		logger:     logger,
		mux:        http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("POST /api/tasks", a.createTask)
	a.mux.HandleFunc("GET /api/tasks", a.listTasks)
	a.mux.HandleFunc("GET /api/tasks/{id}", a.getTask)
	a.mux.HandleFunc("GET /api/tasks/{id}/jobs", a.getTaskJobs)

	if a.dashboard != nil {
		a.mux.HandleFunc("GET /api/dashboard/stats", a.dashboard.GetStats)
		a.mux.HandleFunc("GET /api/dashboard/history", a.dashboard.GetHistory)
	}

	a.mux.Handle("GET /metrics", promhttp.Handler())
	a.mux.HandleFunc("GET /health", a.health)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// TaskIDForKey derives a stable task id from an idempotency key so a resubmission
// finds the task created by the first request.
func TaskIDForKey(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("autopr:"+key)).String()
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Warn("failed to close request body", zap.Error(err))
		}
	}()

	var req CreateTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	}
	kind, err := steps.ParseKind(string(req.Kind))
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var taskID string
	if req.IdempotencyKey != "" {
		taskID = TaskIDForKey(req.IdempotencyKey)
		if existing, ok := a.existingTask(ctx, taskID); ok {
			a.replay(w, r, existing, req.IdempotencyKey)
			return
		}
	}

	t, err := a.machine.Start(ctx, orchestrator.Request{
		Goal:    req.Goal,
		Repo:    req.Repo,
		Kind:    kind,
		TraceID: req.TraceID,
		TaskID:  taskID,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		httputil.WriteJSONError(w, err.Error(), status)
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = t.ID
	}

	jobIDs := a.dispatcher.EnqueueFor(ctx, t.ID, t.Plan, key)
	if err := a.queue.SetTaskJobs(ctx, t.ID, jobIDs); err != nil {
		a.logger.Warn("failed to record task jobs",
			zap.String("task_id", t.ID),
			zap.String("trace_id", t.TraceID),
			zap.Error(err),
		)
	}

	a.logger.Info("task accepted",
		zap.String("task_id", t.ID),
		zap.String("trace_id", t.TraceID),
		zap.Strings("job_ids", jobIDs),
	)

	httputil.WriteJSON(w, http.StatusAccepted, CreateTaskResponse{
		TaskID:  t.ID,
		TraceID: t.TraceID,
		JobIDs:  jobIDs,
		Status:  t.Status,
	})
}

func (a *API) existingTask(ctx context.Context, taskID string) (*task.Task, bool) {
	t, err := a.queue.GetTask(ctx, taskID)
	if err == nil {
		return t, true
	}
	if !errors.Is(err, queue.ErrTaskNotFound) {
		a.logger.Warn("idempotent task lookup failed", zap.String("task_id", taskID), zap.Error(err))
	}

	return nil, false
}

func (a *API) replay(w http.ResponseWriter, r *http.Request, t *task.Task, key string) {
	jobIDs, err := a.queue.GetTaskJobs(r.Context(), t.ID)
	if err != nil || jobIDs == nil {
		jobIDs = a.dispatcher.EnqueueFor(r.Context(), t.ID, t.Plan, key)
	}

	a.logger.Info("replaying task submission",
		zap.String("task_id", t.ID),
		zap.String("trace_id", t.TraceID),
		zap.String("idempotency_key", key),
	)

	httputil.WriteJSON(w, http.StatusAccepted, CreateTaskResponse{
		TaskID:   t.ID,
		TraceID:  t.TraceID,
		JobIDs:   jobIDs,
		Status:   t.Status,
		Replayed: true,
	})
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.queue.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]*task.Task, 0, len(tasks))
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := a.lookupTask(w, r)
	if !ok {
		return
	}

	if jobIDs, err := a.queue.GetTaskJobs(r.Context(), t.ID); err == nil && jobIDs != nil {
		t.JobIDs = jobIDs
	}

	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) getTaskJobs(w http.ResponseWriter, r *http.Request) {
	t, ok := a.lookupTask(w, r)
	if !ok {
		return
	}

	jobIDs, err := a.queue.GetTaskJobs(r.Context(), t.ID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jobs := make([]*queue.Job, 0, len(jobIDs))
	for _, id := range jobIDs {
		job, err := a.queue.GetJob(r.Context(), id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}

	httputil.WriteJSON(w, http.StatusOK, jobs)
}

func (a *API) lookupTask(w http.ResponseWriter, r *http.Request) (*task.Task, bool) {
	taskID := r.PathValue("id")
	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return nil, false
	}

	t, err := a.queue.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		} else {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		}
		return nil, false
	}

	return t, true
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
