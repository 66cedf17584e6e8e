package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

// Job asks a worker to advance one task at one plan position.
type Job struct {
	ID          string     `json:"id"`
	Step        string     `json:"step"`
	TaskID      string     `json:"task_id,omitempty"`
	StepIndex   int        `json:"step_index"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobSkipped   JobStatus = "skipped"
	JobFailed    JobStatus = "failed"
)

func NewJob(step, taskID string, stepIndex int) *Job {
	now := time.Now()
	return &Job{
		ID:          uuid.New().String(),
		Step:        step,
		TaskID:      taskID,
		StepIndex:   stepIndex,
		Status:      JobPending,
		CreatedAt:   now,
		ScheduledAt: now,
	}
}

func (j *Job) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func JobFromJSON(data string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, err
	}

	return &j, nil
}
