// Package queue implements the task lifecycle on top of Redis: admission, per-priority
// pending lists, blocking dequeue, status and result persistence, and aggregate stats.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"product-analysis-queue/internal/config"
	"product-analysis-queue/internal/models"
)

var (
	// ErrUnavailable wraps every failure to reach the task store.
	ErrUnavailable = errors.New("task store unavailable")
	// ErrNotFound is returned for task ids that were never issued or have expired.
	ErrNotFound = errors.New("task not found")
	// ErrCorruptTask is returned by Dequeue when a popped entry cannot be decoded.
	ErrCorruptTask = errors.New("corrupt task entry")
)

// Manager is the only component that mutates tasks, statuses and results.
type Manager struct {
	client          *redis.Client
	logger          *zap.Logger
	highKey         string
	normalKey       string
	processingKey   string
	statusPrefix    string
	resultPrefix    string
	statsPrefix     string
	heartbeatKey    string
	retention       time.Duration
	dailyCounterTTL time.Duration
	perTaskEstimate time.Duration
	pollInterval    time.Duration
	now             func() time.Time
}

// NewManager builds a Manager from config.
func NewManager(client *redis.Client, cfg config.QueueConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.TrimSuffix(cfg.KeyPrefix, ":")
	if prefix == "" {
		prefix = "amazon"
	}
	retention := cfg.RetentionTTL
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	daily := cfg.DailyCounterTTL
	if daily <= 0 {
		daily = 48 * time.Hour
	}
	perTask := cfg.PerTaskEstimate
	if perTask <= 0 {
		perTask = 10 * time.Second
	}
	return &Manager{
		client:          client,
		logger:          logger,
		highKey:         prefix + ":queue:pending:high",
		normalKey:       prefix + ":queue:pending:normal",
		processingKey:   prefix + ":queue:processing",
		statusPrefix:    prefix + ":status:",
		resultPrefix:    prefix + ":result:",
		statsPrefix:     prefix + ":stats:",
		heartbeatKey:    prefix + ":worker:heartbeat",
		retention:       retention,
		dailyCounterTTL: daily,
		perTaskEstimate: perTask,
		pollInterval:    100 * time.Millisecond,
		now:             time.Now,
	}
}

func (m *Manager) statusKey(taskID string) string { return m.statusPrefix + taskID }

// pendingKeys lists the tiers in the order they drain.
func (m *Manager) pendingKeys() []string { return []string{m.highKey, m.normalKey} }

func (m *Manager) tierKey(p models.Priority) string {
	if p == models.PriorityHigh {
		return m.highKey
	}
	return m.normalKey
}

func (m *Manager) resultKey(taskID string) string { return m.resultPrefix + taskID }

func (m *Manager) dailyKey(t time.Time) string {
	return m.statsPrefix + "processed:" + t.UTC().Format("2006-01-02")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func newTaskID(clientID string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", clientID, now.Unix(), suffix)
}

// Enqueue admits a task onto the tail of its priority tier. High tasks drain before any
// normal task. The status record and the list entry are written atomically.
func (m *Manager) Enqueue(ctx context.Context, clientID string, payload models.Payload, priority models.Priority) (string, error) {
	if payload == nil {
		return "", errors.New("payload is required")
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	now := m.now().UTC()
	task := models.Task{
		ID:        newTaskID(clientID, now),
		Type:      payload.TaskType(),
		ClientID:  clientID,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: now,
		Status:    models.StatusQueued,
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	statusRaw, err := json.Marshal(models.TaskStatus{Status: models.StatusQueued, CreatedAt: now})
	if err != nil {
		return "", fmt.Errorf("marshal status: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.statusKey(task.ID), statusRaw, m.retention)
	pipe.RPush(ctx, m.tierKey(priority), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("enqueue", err)
	}

	m.logger.Info("task queued",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("priority", string(priority)))
	return task.ID, nil
}

// Dequeue waits up to timeout for a pending task, high tier first. Popping the entry,
// moving it onto the processing list and marking it processing happen in one script,
// so a store failure leaves the task queued. Entries whose task already has a recorded
// result are dropped. It returns (nil, nil) when nothing arrived.
func (m *Manager) Dequeue(ctx context.Context, timeout time.Duration) (*models.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		raw, claimed, err := m.claim(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, unavailable("dequeue", err)
		}
		if raw != "" {
			task, err := m.decodeClaimed(ctx, raw, claimed)
			if task != nil || err != nil {
				return task, err
			}
			continue
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > m.pollInterval {
			wait = m.pollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) claim(ctx context.Context) (string, bool, error) {
	keys := append(m.pendingKeys(), m.processingKey)
	started := m.now().UTC().Format(time.RFC3339Nano)
	res, err := claimScript.Run(ctx, m.client, keys,
		m.statusPrefix, started, int64(m.retention/time.Second)).Slice()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected claim reply of %d elements", len(res))
	}
	raw, ok := res[0].(string)
	if !ok {
		return "", false, fmt.Errorf("unexpected claim entry type %T", res[0])
	}
	flag, _ := res[1].(int64)
	return raw, flag == 1, nil
}

func (m *Manager) decodeClaimed(ctx context.Context, raw string, claimed bool) (*models.Task, error) {
	var task models.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		m.discardCorrupt(ctx, raw, err)
		return nil, fmt.Errorf("%w: %v", ErrCorruptTask, err)
	}
	if !claimed {
		m.logger.Warn("result already recorded, dropping redelivered task",
			zap.String("task_id", task.ID))
		return nil, nil
	}
	task.Status = models.StatusProcessing
	return &task, nil
}

// discardCorrupt drops an undecodable entry and, when its id is readable, records a
// failed result so pollers do not wait on it forever.
func (m *Manager) discardCorrupt(ctx context.Context, raw string, cause error) {
	m.logger.Error("dropping undecodable task", zap.Error(cause))
	if err := m.client.LRem(ctx, m.processingKey, 1, raw).Err(); err != nil {
		m.logger.Error("remove corrupt task", zap.Error(err))
	}
	var head struct {
		TaskID    string          `json:"task_id"`
		ClientID  string          `json:"client_id"`
		Type      models.TaskType `json:"type"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal([]byte(raw), &head); err != nil || head.TaskID == "" {
		return
	}
	m.SaveResult(ctx, models.Task{
		ID:        head.TaskID,
		ClientID:  head.ClientID,
		Type:      head.Type,
		CreatedAt: head.CreatedAt,
	}, models.NewFailure(fmt.Sprintf("invalid task payload: %v", cause)))
}

// Ack removes a task from the processing list.
func (m *Manager) Ack(ctx context.Context, taskID string) error {
	if err := ackScript.Run(ctx, m.client, []string{m.processingKey}, taskID).Err(); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// RequeueInflight moves every task left on the processing list back to the head of its
// priority tier, oldest first. It is meant to run once when the single worker starts.
func (m *Manager) RequeueInflight(ctx context.Context) (int, error) {
	n, err := requeueScript.Run(ctx, m.client,
		[]string{m.processingKey, m.highKey, m.normalKey}).Int()
	if err != nil {
		return 0, unavailable("requeue inflight", err)
	}
	return n, nil
}

// SaveResult records the terminal output of a task and acknowledges it. The status
// becomes failed when the output carries an error marker, completed otherwise. Storage
// failures are logged, never returned. The recorded status is returned.
func (m *Manager) SaveResult(ctx context.Context, task models.Task, output any) models.Status {
	status := models.StatusCompleted
	errMsg := ""
	if fr, ok := output.(models.FailureReporter); ok && fr.FailureReason() != "" {
		status = models.StatusFailed
		errMsg = fr.FailureReason()
	}
	payload, err := json.Marshal(output)
	if err != nil {
		status = models.StatusFailed
		errMsg = fmt.Sprintf("encode result: %v", err)
		payload, _ = json.Marshal(models.NewFailure(errMsg))
	}

	now := m.now().UTC()
	result := models.TaskResult{
		TaskID:      task.ID,
		ClientID:    task.ClientID,
		Type:        task.Type,
		Status:      status,
		Results:     payload,
		Error:       errMsg,
		CompletedAt: now,
	}
	resultRaw, err := json.Marshal(result)
	if err != nil {
		m.logger.Error("marshal task result", zap.String("task_id", task.ID), zap.Error(err))
		return status
	}
	statusRaw, err := json.Marshal(models.TaskStatus{
		Status:      status,
		CreatedAt:   task.CreatedAt,
		CompletedAt: &now,
	})
	if err != nil {
		m.logger.Error("marshal task status", zap.String("task_id", task.ID), zap.Error(err))
		return status
	}

	keys := []string{
		m.resultKey(task.ID),
		m.statusKey(task.ID),
		m.processingKey,
		m.dailyKey(now),
		m.statsPrefix + "total_processed",
		m.statsPrefix + "total_failed",
	}
	written, err := finishScript.Run(ctx, m.client, keys,
		string(resultRaw), string(statusRaw), string(status),
		int64(m.retention/time.Second), int64(m.dailyCounterTTL/time.Second), task.ID).Int()
	if err != nil {
		m.logger.Error("save task result",
			zap.String("task_id", task.ID),
			zap.String("status", string(status)),
			zap.Error(err))
		return status
	}
	if written == 0 {
		m.logger.Warn("task result already recorded", zap.String("task_id", task.ID))
		return status
	}
	m.logger.Info("task result saved",
		zap.String("task_id", task.ID),
		zap.String("client_id", task.ClientID),
		zap.String("status", string(status)))
	return status
}

// GetResult returns the TaskResult when one exists, otherwise a status snapshot.
// ErrNotFound is returned when neither record exists.
func (m *Manager) GetResult(ctx context.Context, taskID string) (*models.Lookup, error) {
	raw, err := m.client.Get(ctx, m.resultKey(taskID)).Bytes()
	switch {
	case err == nil:
		var result models.TaskResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", taskID, err)
		}
		return &models.Lookup{Result: &result}, nil
	case !errors.Is(err, redis.Nil):
		return nil, unavailable("get result", err)
	}

	raw, err = m.client.Get(ctx, m.statusKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get status", err)
	}
	var status models.TaskStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", taskID, err)
	}
	snapshot := &models.StatusSnapshot{
		TaskID:    taskID,
		Status:    status.Status,
		Message:   status.Status.Message(),
		CreatedAt: status.CreatedAt,
		StartedAt: status.StartedAt,
	}
	if status.Status == models.StatusQueued {
		pos, err := m.GetQueuePosition(ctx, taskID)
		if err != nil {
			return nil, err
		}
		snapshot.QueuePosition = pos
	}
	return &models.Lookup{Snapshot: snapshot}, nil
}

// GetQueuePosition returns the 1-based position of a task in drain order, counting the
// whole high tier before the normal one, or 0 when it is not pending. Callers use the
// status, not 0, to tell the cases apart.
func (m *Manager) GetQueuePosition(ctx context.Context, taskID string) (int, error) {
	pipe := m.client.Pipeline()
	high := pipe.LRange(ctx, m.highKey, 0, -1)
	normal := pipe.LRange(ctx, m.normalKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("scan pending", err)
	}
	items := append(high.Val(), normal.Val()...)
	for i, item := range items {
		var head struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal([]byte(item), &head); err != nil {
			continue
		}
		if head.TaskID == taskID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// GetQueueSize returns the number of pending tasks across both tiers.
func (m *Manager) GetQueueSize(ctx context.Context) (int64, error) {
	pipe := m.client.Pipeline()
	high := pipe.LLen(ctx, m.highKey)
	normal := pipe.LLen(ctx, m.normalKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("queue size", err)
	}
	return high.Val() + normal.Val(), nil
}

// GetStats returns the aggregate queue view. The average wait is an estimate derived
// from the queue size, not a measurement.
func (m *Manager) GetStats(ctx context.Context) (models.Stats, error) {
	pipe := m.client.Pipeline()
	high := pipe.LLen(ctx, m.highKey)
	normal := pipe.LLen(ctx, m.normalKey)
	processing := pipe.LLen(ctx, m.processingKey)
	today := pipe.Get(ctx, m.dailyKey(m.now()))
	total := pipe.Get(ctx, m.statsPrefix+"total_processed")
	failed := pipe.Get(ctx, m.statsPrefix+"total_failed")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.Stats{}, unavailable("stats", err)
	}

	size := nonNegative(high.Val() + normal.Val())
	return models.Stats{
		QueueSize:        size,
		Processing:       nonNegative(processing.Val()),
		ActiveWorkers:    1,
		ProcessedToday:   counterValue(today),
		TotalProcessed:   counterValue(total),
		TotalFailed:      counterValue(failed),
		AvgWaitSeconds:   size * int64(m.perTaskEstimate/time.Second),
		AvgWaitEstimated: true,
	}, nil
}

func counterValue(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return nonNegative(n)
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// Ping checks store connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// RecordHeartbeat publishes the worker's state with the given time to live.
func (m *Manager) RecordHeartbeat(ctx context.Context, hb models.WorkerHeartbeat, ttl time.Duration) error {
	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := m.client.Set(ctx, m.heartbeatKey, raw, ttl).Err(); err != nil {
		return unavailable("heartbeat", err)
	}
	return nil
}

// Heartbeat returns the last worker heartbeat, or nil when none is live.
func (m *Manager) Heartbeat(ctx context.Context) (*models.WorkerHeartbeat, error) {
	raw, err := m.client.Get(ctx, m.heartbeatKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("heartbeat", err)
	}
	var hb models.WorkerHeartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return nil, fmt.Errorf("decode heartbeat: %w", err)
	}
	return &hb, nil
}
