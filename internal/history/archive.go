// Package history archives completed analyses in Postgres so clients can list past results.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/worker"
)

// DefaultLimit bounds History when the caller passes no limit.
const DefaultLimit = 50

// DB is the subset of pgxpool.Pool the archive uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Record is one archived analysis.
type Record struct {
	TaskID      string          `json:"task_id"`
	ClientID    string          `json:"client_id"`
	Type        models.TaskType `json:"type"`
	Status      models.Status   `json:"status"`
	Result      json.RawMessage `json:"result"`
	DurationMS  int64           `json:"duration_ms"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Archive wraps pgxpool for analysis history.
type Archive struct {
	db     DB
	logger *zap.Logger
}

// Open connects to Postgres and applies migrations.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Archive, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := RunMigrations(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return NewWithDB(pool, logger), nil
}

// NewWithDB builds an Archive on an existing pool.
func NewWithDB(db DB, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{db: db, logger: logger}
}

// Close releases the pool.
func (a *Archive) Close() {
	if a != nil && a.db != nil {
		a.db.Close()
	}
}

// SaveAnalysis inserts a record. A record for the same task is never overwritten.
func (a *Archive) SaveAnalysis(ctx context.Context, r Record) error {
	if r.TaskID == "" {
		return errors.New("task id is required")
	}
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	_, err := a.db.Exec(ctx, `
		INSERT INTO analyses (task_id, client_id, task_type, status, result, duration_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO NOTHING
	`, r.TaskID, r.ClientID, string(r.Type), string(r.Status), []byte(result), r.DurationMS, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// AppendEvent adds an audit row for a task.
func (a *Archive) AppendEvent(ctx context.Context, taskID, event, detail string) error {
	_, err := a.db.Exec(ctx, `
		INSERT INTO analysis_events (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// History returns a client's most recent analyses, newest first.
func (a *Archive) History(ctx context.Context, clientID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = DefaultLimit
	}
	rows, err := a.db.Query(ctx, `
		SELECT task_id, client_id, task_type, status, result, duration_ms, completed_at
		FROM analyses
		WHERE client_id = $1
		ORDER BY completed_at DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r              Record
			taskType, stat string
			result         []byte
		)
		if err := rows.Scan(&r.TaskID, &r.ClientID, &taskType, &stat, &result, &r.DurationMS, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Type = models.TaskType(taskType)
		r.Status = models.Status(stat)
		r.Result = json.RawMessage(result)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}

// Observe implements worker.Observer.
func (a *Archive) Observe(ctx context.Context, c worker.Completion) error {
	raw, err := json.Marshal(c.Output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if err := a.SaveAnalysis(ctx, Record{
		TaskID:      c.Task.ID,
		ClientID:    c.Task.ClientID,
		Type:        c.Task.Type,
		Status:      c.Status,
		Result:      raw,
		DurationMS:  c.Duration.Milliseconds(),
		CompletedAt: c.CompletedAt,
	}); err != nil {
		return err
	}
	return a.AppendEvent(ctx, c.Task.ID, string(c.Status), fmt.Sprintf("handled in %s", c.Duration.Round(time.Millisecond)))
}
