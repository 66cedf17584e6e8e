package task

import "time"

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// Result is the record a finalized task hands back to its caller.
type Result struct {
	TraceID   string       `json:"trace_id"`
	TaskID    string       `json:"task_id"`
	PRURL     string       `json:"pr_url"`
	CIState   CIState      `json:"ci_state"`
	Status    ResultStatus `json:"status"`
	Error     string       `json:"error"`
	Timestamp time.Time    `json:"timestamp"`
}

func NewResult(t *Task, status ResultStatus, at time.Time) *Result {
	return &Result{
		TraceID:   t.TraceID,
		TaskID:    t.ID,
		PRURL:     t.PRURL,
		CIState:   t.CIState,
		Status:    status,
		Error:     t.Error,
		Timestamp: at.UTC(),
	}
}

func (r *Result) Succeeded() bool {
	return r.Status == ResultSuccess
}
