package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/nadmax/autopr/internal/repository/models"
)

type MockRunRepository struct {
	mu                 sync.Mutex
	UpsertCalls        []models.TaskRun
	Runs               map[string]*models.TaskRun
	Stats              []models.RunStats
	UpsertError        error
	GetRunError        error
	GetRecentRunsError error
	GetRunStatsError   error
}

func NewMockRunRepository() *MockRunRepository {
	return &MockRunRepository{
		Runs:  make(map[string]*models.TaskRun),
		Stats: make([]models.RunStats, 0),
	}
}

func (m *MockRunRepository) UpsertRun(ctx context.Context, run *models.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertCalls = append(m.UpsertCalls, *run)

	if m.UpsertError != nil {
		return m.UpsertError
	}

	existing, ok := m.Runs[run.TaskID]
	if !ok {
		runCopy := *run
		m.Runs[run.TaskID] = &runCopy
		return nil
	}

	existing.TraceID = run.TraceID
	existing.TenantID = run.TenantID
	existing.Status = run.Status
	existing.ErrorMessage = run.ErrorMessage
	if run.Question != "" {
		existing.Question = run.Question
	}
	if run.PRURL != "" {
		existing.PRURL = run.PRURL
	}
	if run.CompletedAt != nil {
		existing.CompletedAt = run.CompletedAt
	}

	return nil
}

func (m *MockRunRepository) GetRun(ctx context.Context, taskID string) (*models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRunError != nil {
		return nil, m.GetRunError
	}

	run, ok := m.Runs[taskID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", taskID)
	}

	runCopy := *run
	return &runCopy, nil
}

func (m *MockRunRepository) GetRecentRuns(ctx context.Context, limit int) ([]models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentRunsError != nil {
		return nil, m.GetRecentRunsError
	}

	runs := make([]models.TaskRun, 0, len(m.Runs))
	for _, run := range m.Runs {
		if len(runs) >= limit {
			break
		}
		runs = append(runs, *run)
	}

	return runs, nil
}

func (m *MockRunRepository) GetRunStats(ctx context.Context, hours int) ([]models.RunStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRunStatsError != nil {
		return nil, m.GetRunStatsError
	}

	return m.Stats, nil
}

func (m *MockRunRepository) Close() error {
	return nil
}

func (m *MockRunRepository) GetUpsertCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.UpsertCalls)
}

// Statuses returns the status of every upsert in call order.
func (m *MockRunRepository) Statuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]string, 0, len(m.UpsertCalls))
	for _, call := range m.UpsertCalls {
		statuses = append(statuses, call.Status)
	}

	return statuses
}

func (m *MockRunRepository) GetRunStatus(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run, ok := m.Runs[taskID]; ok {
		return run.Status, true
	}

	return "", false
}

func (m *MockRunRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertCalls = nil
	m.Runs = make(map[string]*models.TaskRun)
}
