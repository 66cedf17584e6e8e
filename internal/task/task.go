// Package task defines the orchestration task model shared by the state machine,
// the queue and the persistence layers. It contains lifecycle status, node state,
// CI state and serialization helpers.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus  string
	State       string
	CIState     string
	Kind        string
	FailureKind string
	Task        struct {
		ID               string      `json:"id"`
		TraceID          string      `json:"trace_id"`
		TenantID         string      `json:"tenant_id"`
		Goal             string      `json:"goal"`
		Repo             string      `json:"repo"`
		Kind             Kind        `json:"kind,omitempty"`
		Status           TaskStatus  `json:"status"`
		State            State       `json:"state"`
		Plan             []string    `json:"plan"`
		CurrentStepIndex int         `json:"current_step_index"`
		RetryCount       int         `json:"retry_count"`
		MaxRetries       int         `json:"max_retries"`
		Branch           string      `json:"branch,omitempty"`
		FilePath         string      `json:"file_path,omitempty"`
		Content          string      `json:"content,omitempty"`
		PRURL            string      `json:"pr_url,omitempty"`
		PRNumber         int         `json:"pr_number,omitempty"`
		CIState          CIState     `json:"ci_state"`
		FailingChecks    []string    `json:"failing_checks,omitempty"`
		Error            string      `json:"error,omitempty"`
		LastFailure      FailureKind `json:"last_failure,omitempty"`
		JobIDs           []string    `json:"job_ids,omitempty"`
		CreatedAt        time.Time   `json:"created_at"`
		UpdatedAt        time.Time   `json:"updated_at"`
		Result           *Result     `json:"result,omitempty"`
	}
)

const (
	StatusQueued  TaskStatus = "queued"
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
	StatusError   TaskStatus = "error"
)

const (
	StatePlanning     State = "planning"
	StateExecuting    State = "executing"
	StateMonitoringCI State = "monitoring_ci"
	StateFixing       State = "fixing"
	StateFinalizing   State = "finalizing"
)

const (
	CIPending CIState = "pending"
	CISuccess CIState = "success"
	CIFailure CIState = "failure"
	CIError   CIState = "error"
	CIUnknown CIState = "unknown"
)

const (
	KindDocs   Kind = "docs"
	KindFAQ    Kind = "faq"
	KindDeploy Kind = "deploy"
	KindCode   Kind = "code"
)

const (
	FailureExecution FailureKind = "execution"
	FailureCI        FailureKind = "ci"
)

const DefaultMaxRetries = 3

func NewTask(goal, repo, traceID string) *Task {
	id := uuid.New().String()
	if traceID == "" {
		traceID = id
	}

	now := time.Now()
	return &Task{
		ID:         id,
		TraceID:    traceID,
		Goal:       goal,
		Repo:       repo,
		Status:     StatusQueued,
		State:      StatePlanning,
		MaxRetries: DefaultMaxRetries,
		CIState:    CIUnknown,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsTerminal reports whether the task has been finalized.
func (t *Task) IsTerminal() bool {
	return t.Result != nil && (t.Status == StatusDone || t.Status == StatusError)
}

func (t *Task) PlanExhausted() bool {
	return t.CurrentStepIndex >= len(t.Plan)
}

// CurrentStep returns the plan step under the cursor, or "" once the plan is exhausted.
func (t *Task) CurrentStep() string {
	if t.PlanExhausted() {
		return ""
	}

	return t.Plan[t.CurrentStepIndex]
}

func (t *Task) BudgetExhausted() bool {
	return t.RetryCount >= t.MaxRetries
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
