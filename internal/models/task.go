package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType selects the handler a task is dispatched to.
type TaskType string

const (
	TypeProductAnalysis TaskType = "product_analysis"
	TypeKeywordAnalysis TaskType = "keyword_analysis"
)

// Valid reports whether the worker has a handler for the type.
func (t TaskType) Valid() bool {
	switch t {
	case TypeProductAnalysis, TypeKeywordAnalysis:
		return true
	default:
		return false
	}
}

// Priority governs where a task is inserted into the pending list.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps an optional request value to a Priority, defaulting to normal.
func ParsePriority(v string) (Priority, error) {
	switch Priority(v) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	default:
		return "", fmt.Errorf("unknown priority %q", v)
	}
}

// Payload is the type-specific body of a task.
type Payload interface {
	TaskType() TaskType
}

// Product is a single product listing, either submitted by a client or scraped.
type Product struct {
	Title       string   `json:"title" validate:"required"`
	Price       float64  `json:"price" validate:"gte=0"`
	Rating      *float64 `json:"rating,omitempty"`
	ReviewCount int      `json:"review_count,omitempty"`
	ASIN        string   `json:"asin,omitempty"`
	URL         string   `json:"url,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	Brand       string   `json:"brand,omitempty"`
	Currency    string   `json:"currency,omitempty"`
}

// ScoredProduct is a product with its profitability score attached.
type ScoredProduct struct {
	Product
	Score          int    `json:"score"`
	Recommendation string `json:"recommendation"`
}

// ProductPayload carries the products of a product_analysis task.
type ProductPayload struct {
	Products []Product `json:"products"`
}

// TaskType implements Payload.
func (ProductPayload) TaskType() TaskType { return TypeProductAnalysis }

// KeywordPayload carries the search parameters of a keyword_analysis task.
type KeywordPayload struct {
	Keyword     string   `json:"keyword"`
	MaxProducts int      `json:"max_products"`
	Investment  float64  `json:"investment,omitempty"`
	PriceMin    *float64 `json:"price_min,omitempty"`
	PriceMax    *float64 `json:"price_max,omitempty"`
}

// TaskType implements Payload.
func (KeywordPayload) TaskType() TaskType { return TypeKeywordAnalysis }

// UnknownPayload preserves the raw body of a task whose type this build does not know.
type UnknownPayload struct {
	Kind TaskType
	Raw  json.RawMessage
}

// TaskType implements Payload.
func (p UnknownPayload) TaskType() TaskType { return p.Kind }

// Task is a unit of queued work.
type Task struct {
	ID        string
	Type      TaskType
	ClientID  string
	Payload   Payload
	Priority  Priority
	CreatedAt time.Time
	Status    Status
}

type taskEnvelope struct {
	ID        string          `json:"task_id"`
	Type      TaskType        `json:"type"`
	ClientID  string          `json:"client_id"`
	Payload   json.RawMessage `json:"payload"`
	Priority  Priority        `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	Status    Status          `json:"status"`
}

// MarshalJSON encodes the task with its payload nested under "payload".
func (t Task) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	switch p := t.Payload.(type) {
	case nil:
		raw = json.RawMessage("null")
	case UnknownPayload:
		raw = p.Raw
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	return json.Marshal(taskEnvelope{
		ID:        t.ID,
		Type:      t.Type,
		ClientID:  t.ClientID,
		Payload:   raw,
		Priority:  t.Priority,
		CreatedAt: t.CreatedAt,
		Status:    t.Status,
	})
}

// UnmarshalJSON decodes the payload variant selected by the task type.
func (t *Task) UnmarshalJSON(data []byte) error {
	var env taskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*t = Task{
		ID:        env.ID,
		Type:      env.Type,
		ClientID:  env.ClientID,
		Priority:  env.Priority,
		CreatedAt: env.CreatedAt,
		Status:    env.Status,
	}
	switch env.Type {
	case TypeProductAnalysis:
		var p ProductPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		t.Payload = p
	case TypeKeywordAnalysis:
		var p KeywordPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		t.Payload = p
	default:
		t.Payload = UnknownPayload{Kind: env.Type, Raw: env.Payload}
	}
	return nil
}
