// Package notify announces recorded tasks to external systems.
package notify

import (
	"time"

	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/worker"
)

// Event is the body sent for every recorded task.
type Event struct {
	TaskID       string          `json:"task_id"`
	ClientID     string          `json:"client_id"`
	AnalysisType models.TaskType `json:"analysis_type"`
	Status       models.Status   `json:"status"`
	Keyword      string          `json:"keyword,omitempty"`
	Data         any             `json:"data"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NewEvent builds the notification for a completion.
func NewEvent(c worker.Completion) Event {
	ev := Event{
		TaskID:       c.Task.ID,
		ClientID:     c.Task.ClientID,
		AnalysisType: c.Task.Type,
		Status:       c.Status,
		Data:         c.Output,
		Timestamp:    c.CompletedAt,
	}
	if kw, ok := c.Task.Payload.(models.KeywordPayload); ok {
		ev.Keyword = kw.Keyword
	}
	return ev
}
