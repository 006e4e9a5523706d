// Package export writes a JSON report for every recorded task to local disk, S3 or
// Cloud Storage.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"product-analysis-queue/internal/config"
	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/worker"
)

// Report is the exported document.
type Report struct {
	TaskID      string          `json:"task_id"`
	ClientID    string          `json:"client_id"`
	Type        models.TaskType `json:"type"`
	Status      models.Status   `json:"status"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMS  int64           `json:"duration_ms"`
	Results     any             `json:"results"`
}

// Exporter is a worker.Observer that uploads reports.
type Exporter struct {
	uploader Uploader
	prefix   string
	logger   *zap.Logger
	closer   io.Closer
}

// New builds an Exporter for cfg.Destination. It returns nil, nil when export is disabled.
func New(ctx context.Context, cfg config.ExportConfig, logger *zap.Logger) (*Exporter, error) {
	var (
		up     Uploader
		closer io.Closer
	)
	switch strings.ToLower(cfg.Destination) {
	case "":
		return nil, nil
	case "local":
		up = NewLocalUploader(cfg.LocalDir)
	case "s3":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = NewS3Uploader(client, cfg.S3Bucket)
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		g, err := NewGCSUploader(client, cfg.GCSBucket)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		up, closer = g, client
	default:
		return nil, fmt.Errorf("unknown export destination %q", cfg.Destination)
	}
	e := NewWithUploader(up, cfg.Prefix, logger)
	e.closer = closer
	return e, nil
}

// NewWithUploader wires an explicit uploader.
func NewWithUploader(up Uploader, prefix string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{uploader: up, prefix: prefix, logger: logger}
}

// Key returns the object key for a task: <prefix>/<client>/<task>.json.
func (e *Exporter) Key(task models.Task) string {
	client := task.ClientID
	if client == "" {
		client = "anonymous"
	}
	return path.Join(e.prefix, client, task.ID+".json")
}

// Observe implements worker.Observer.
func (e *Exporter) Observe(ctx context.Context, c worker.Completion) error {
	body, err := json.MarshalIndent(Report{
		TaskID:      c.Task.ID,
		ClientID:    c.Task.ClientID,
		Type:        c.Task.Type,
		Status:      c.Status,
		CompletedAt: c.CompletedAt,
		DurationMS:  c.Duration.Milliseconds(),
		Results:     c.Output,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	loc, err := e.uploader.Upload(ctx, e.Key(c.Task), body, "application/json")
	if err != nil {
		return fmt.Errorf("upload report: %w", err)
	}
	e.logger.Debug("report exported", zap.String("task_id", c.Task.ID), zap.String("location", loc))
	return nil
}

// Close releases the underlying storage client, if any.
func (e *Exporter) Close() error {
	if e == nil || e.closer == nil {
		return nil
	}
	return e.closer.Close()
}
