package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"product-analysis-queue/internal/worker"
)

// Webhook POSTs each Event as JSON. 200, 201 and 202 count as delivered.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhook returns nil when url is empty.
func NewWebhook(url string, timeout time.Duration, logger *zap.Logger) *Webhook {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Observe implements worker.Observer.
func (w *Webhook) Observe(ctx context.Context, c worker.Completion) error {
	return w.Send(ctx, NewEvent(c))
}

// Send delivers a single event.
func (w *Webhook) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		w.logger.Info("webhook delivered",
			zap.String("task_id", ev.TaskID),
			zap.String("client_id", ev.ClientID))
		return nil
	default:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
}
