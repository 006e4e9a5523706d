package models

import (
	"encoding/json"
	"time"
)

// Status is a task lifecycle state. Transitions only move forward.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Rank orders statuses; a stored status is never replaced by one of lower rank.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s.Rank() == 3 }

// Message is the client-facing description of a status.
func (s Status) Message() string {
	switch s {
	case StatusQueued:
		return "waiting"
	case StatusProcessing:
		return "in progress"
	case StatusCompleted:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TaskStatus is the latest lifecycle record of a task.
type TaskStatus struct {
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	QueuePosition int        `json:"queue_position,omitempty"`
}

// TaskResult is the terminal output of a completed or failed task.
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	ClientID    string          `json:"client_id"`
	Type        TaskType        `json:"type"`
	Status      Status          `json:"status"`
	Results     json.RawMessage `json:"results"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// StatusSnapshot describes a task that has no result yet.
type StatusSnapshot struct {
	TaskID        string     `json:"task_id"`
	Status        Status     `json:"status"`
	Message       string     `json:"message"`
	QueuePosition int        `json:"queue_position,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

// Lookup is the answer to a status poll: exactly one of Result or Snapshot is set.
type Lookup struct {
	Result   *TaskResult
	Snapshot *StatusSnapshot
}

// Status returns the status carried by whichever side is populated.
func (l Lookup) Status() Status {
	if l.Result != nil {
		return l.Result.Status
	}
	if l.Snapshot != nil {
		return l.Snapshot.Status
	}
	return ""
}

// FailureReporter is implemented by handler outputs that can carry an error marker.
type FailureReporter interface {
	FailureReason() string
}

// FailureOutput is the result recorded when a handler errors, panics or times out.
type FailureOutput struct {
	Status Status `json:"status"`
	Error  string `json:"error"`
}

// NewFailure builds a failed output for the given error message.
func NewFailure(msg string) FailureOutput {
	return FailureOutput{Status: StatusFailed, Error: msg}
}

// FailureReason implements FailureReporter.
func (f FailureOutput) FailureReason() string { return f.Error }

// Stats is the aggregate queue view served by the stats endpoint.
type Stats struct {
	QueueSize        int64 `json:"queue_size"`
	Processing       int64 `json:"processing"`
	ActiveWorkers    int   `json:"active_workers"`
	ProcessedToday   int64 `json:"processed_today"`
	TotalProcessed   int64 `json:"total_processed"`
	TotalFailed      int64 `json:"total_failed"`
	AvgWaitSeconds   int64 `json:"avg_wait_seconds"`
	AvgWaitEstimated bool  `json:"avg_wait_is_estimate"`
}

// WorkerHeartbeat is published by the worker so the API can report its health.
type WorkerHeartbeat struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Processed           int64     `json:"processed"`
	UpdatedAt           time.Time `json:"updated_at"`
}
