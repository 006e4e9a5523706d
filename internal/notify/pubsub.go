package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"product-analysis-queue/internal/worker"
)

// Publisher sends each Event to a Pub/Sub topic and waits for the server ack.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPublisher connects with Application Default Credentials.
func NewPublisher(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewPublisherWithClient(client, topicID, logger), nil
}

// NewPublisherWithClient uses an existing client; Close closes it.
func NewPublisherWithClient(client *pubsub.Client, topicID string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, topic: client.Topic(topicID), logger: logger}
}

// Observe implements worker.Observer.
func (p *Publisher) Observe(ctx context.Context, c worker.Completion) error {
	_, err := p.Publish(ctx, NewEvent(c))
	return err
}

// Publish returns the server-assigned message id.
func (p *Publisher) Publish(ctx context.Context, ev Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"task_id":       ev.TaskID,
			"client_id":     ev.ClientID,
			"analysis_type": string(ev.AnalysisType),
			"status":        string(ev.Status),
		},
	})
	id, err := res.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	p.logger.Debug("event published", zap.String("task_id", ev.TaskID), zap.String("message_id", id))
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
