// Package models contains data structures used by the task persistence layer.
package models

import "time"

// TaskRun is the durable record of one orchestration task, keyed by TaskID.
// Empty optional fields leave the stored value untouched on upsert.
type TaskRun struct {
	TaskID       string     `json:"task_id"`
	TraceID      string     `json:"trace_id"`
	TenantID     string     `json:"tenant_id"`
	Status       string     `json:"status"`
	Question     string     `json:"question,omitempty"`
	PRURL        string     `json:"pr_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type RunStats struct {
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int     `json:"max_duration_ms"`
}
